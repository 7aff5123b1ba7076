package dsm

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ProgressPublisher mirrors pipeline progress to MQTT. Publishing is best
// effort: failures are logged and never reach the pipeline.
type ProgressPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          map[string]string // experiment -> last stage
	mu            sync.RWMutex
}

// roiMessage is the payload of <prefix>/<exp>/roi
type roiMessage struct {
	Experiment string `json:"experiment"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
	Timestamp  int64  `json:"timestamp"`
}

// stageMessage is the payload of <prefix>/<exp>/stage
type stageMessage struct {
	Experiment string  `json:"experiment"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"`
	Seconds    float64 `json:"seconds"`
	Error      string  `json:"error,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// resultMessage is the payload of <prefix>/<exp>/result
type resultMessage struct {
	Experiment string `json:"experiment"`
	Path       string `json:"path"`
	Timestamp  int64  `json:"timestamp"`
}

// NewProgressPublisher creates a publisher under prefix.
// If client is nil, publishing is disabled (for testing)
func NewProgressPublisher(client mqtt.Client, prefix string) *ProgressPublisher {
	if prefix == "" {
		prefix = "stereomesh"
	}
	return &ProgressPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		last:          make(map[string]string),
	}
}

func (p *ProgressPublisher) ROIResolved(experiment string, roi ROI) {
	p.publish(experiment, "roi", roiMessage{
		Experiment: experiment,
		X:          roi.X,
		Y:          roi.Y,
		W:          roi.W,
		H:          roi.H,
		Timestamp:  time.Now().Unix(),
	})
}

func (p *ProgressPublisher) StageDone(experiment, stage string, elapsed time.Duration, err error) {
	msg := stageMessage{
		Experiment: experiment,
		Stage:      stage,
		Status:     "done",
		Seconds:    elapsed.Seconds(),
		Timestamp:  time.Now().Unix(),
	}
	if err != nil {
		msg.Status = "failed"
		msg.Error = err.Error()
	}

	p.mu.Lock()
	p.last[experiment] = stage
	p.mu.Unlock()

	p.publish(experiment, "stage", msg)
}

func (p *ProgressPublisher) ResultReady(experiment, path string) {
	p.publish(experiment, "result", resultMessage{
		Experiment: experiment,
		Path:       path,
		Timestamp:  time.Now().Unix(),
	})
}

// LastStage returns the most recent stage reported for an experiment
func (p *ProgressPublisher) LastStage(experiment string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.last[experiment]
	return s, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ProgressPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *ProgressPublisher) SetRetain(retain bool) {
	p.retain = retain
}

// Topic returns the topic for an experiment event
func (p *ProgressPublisher) Topic(experiment, event string) string {
	return fmt.Sprintf("%s/%s/%s", p.publishPrefix, experiment, event)
}

func (p *ProgressPublisher) publish(experiment, event string, v any) {
	if err := p.send(p.Topic(experiment, event), v); err != nil {
		log.Printf("Warning: progress not published: %v", err)
	}
}

func (p *ProgressPublisher) send(topic string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
