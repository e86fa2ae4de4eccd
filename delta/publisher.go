package delta

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ReportPublisher publishes frame outcomes and run summaries to MQTT.
// Topics: {prefix}/frames/{frame}, {prefix}/status and {prefix}/report.
type ReportPublisher struct {
	client mqtt.Client
	prefix string
	runID  string
	qos    byte
	retain bool
	log    logrus.FieldLogger

	mu     sync.Mutex
	counts map[Status]int
	last   int
}

// RunStatus is the retained progress message of a run.
type RunStatus struct {
	RunID     string         `json:"runId"`
	LastFrame int            `json:"lastFrame"`
	Counts    map[Status]int `json:"counts"`
	Timestamp int64          `json:"timestamp"`
}

// NewReportPublisher creates a publisher. A nil client disables publishing.
func NewReportPublisher(client mqtt.Client, prefix, runID string, log logrus.FieldLogger) *ReportPublisher {
	if prefix == "" {
		prefix = "splatdelta"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReportPublisher{
		client: client,
		prefix: prefix,
		runID:  runID,
		qos:    1,
		log:    log,
		counts: make(map[Status]int, 3),
	}
}

// ObserveFrame implements FrameObserver. Publish failures are logged and do
// not affect the run.
func (p *ReportPublisher) ObserveFrame(o FrameOutcome) {
	if err := p.PublishOutcome(o); err != nil {
		p.log.WithError(err).WithField("frame", o.Frame).Warn("Publishing frame report failed")
	}
}

// PublishOutcome publishes o and the updated run status.
func (p *ReportPublisher) PublishOutcome(o FrameOutcome) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.counts[o.Status]++
	p.last = o.Frame
	status := RunStatus{
		RunID:     p.runID,
		LastFrame: p.last,
		Counts:    make(map[Status]int, len(p.counts)),
		Timestamp: time.Now().Unix(),
	}
	for k, v := range p.counts {
		status.Counts[k] = v
	}
	p.mu.Unlock()

	if err := p.publishJSON(fmt.Sprintf("%s/frames/%d", p.prefix, o.Frame), p.retain, o); err != nil {
		return err
	}
	return p.publishJSON(p.prefix+"/status", true, status)
}

// PublishReport publishes the final run report, retained.
func (p *ReportPublisher) PublishReport(r *RunReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	return p.publishJSON(p.prefix+"/report", true, r)
}

func (p *ReportPublisher) publishJSON(topic string, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ReportPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether per-frame messages are retained by the broker
func (p *ReportPublisher) SetRetain(retain bool) {
	p.retain = retain
}
