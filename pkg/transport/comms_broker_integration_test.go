package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-fabric/pkg/commsutil"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
)

const integrationTestPrefix = "transport:comms_broker_integration_test"

// startTestServer starts an in-process NATS server for testing.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", integrationTestPrefix, err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("transport:comms_broker_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", integrationTestPrefix, err)
	}

	cleanup := func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}

	return nc, cleanup
}

func TestClient_RoundTripOverComms(t *testing.T) {
	nc, cleanup := startTestServer(t, 14250)
	defer cleanup()

	broker := NewCommsBroker(nc)
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	workerDesc := protocol.AgentDescriptor{
		AgentID:      "worker-1",
		AgentType:    "worker",
		Capabilities: []string{"task_execution"},
	}
	if err := reg.Register(context.Background(), workerDesc, 10); err != nil {
		t.Fatalf("%s - Register() error = %v", integrationTestPrefix, err)
	}

	worker, err := NewClient(NewClientParams{Local: workerDesc, Registry: reg, Broker: broker})
	if err != nil {
		t.Fatalf("%s - NewClient(worker) error = %v", integrationTestPrefix, err)
	}
	defer worker.Close(context.Background())
	worker.Handle(protocol.MessageTypeTaskAssignment, func(ctx context.Context, env *protocol.Envelope) (interface{}, error) {
		return map[string]interface{}{"task": env.Payload.Params["task"], "state": "done"}, nil
	})
	if err := worker.Start(); err != nil {
		t.Fatalf("%s - worker Start() error = %v", integrationTestPrefix, err)
	}

	planner, err := NewClient(NewClientParams{
		Local:    protocol.AgentDescriptor{AgentID: "planner-1", AgentType: "planner"},
		Registry: reg,
		Broker:   broker,
	})
	if err != nil {
		t.Fatalf("%s - NewClient(planner) error = %v", integrationTestPrefix, err)
	}
	defer planner.Close(context.Background())
	if err := planner.Start(); err != nil {
		t.Fatalf("%s - planner Start() error = %v", integrationTestPrefix, err)
	}

	resp, err := planner.Send(context.Background(), SendRequest{
		Capability:      "task_execution",
		MessageType:     protocol.MessageTypeTaskAssignment,
		Method:          "assign_task",
		Params:          map[string]interface{}{"task": "compact-index"},
		WaitForResponse: true,
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("%s - Send() error = %v", integrationTestPrefix, err)
	}

	var result struct {
		Task  string `json:"task"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Payload.Data, &result); err != nil {
		t.Fatalf("%s - decode response: %v", integrationTestPrefix, err)
	}
	if result.Task != "compact-index" || result.State != "done" {
		t.Errorf("%s - result = %+v, want compact-index done", integrationTestPrefix, result)
	}
	if n := planner.Pending(); n != 0 {
		t.Errorf("%s - pending after response = %d, want 0", integrationTestPrefix, n)
	}
}

func TestClient_PublishCarriesHeadersOverComms(t *testing.T) {
	nc, cleanup := startTestServer(t, 14251)
	defer cleanup()

	broker := NewCommsBroker(nc)
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	workerDesc := protocol.AgentDescriptor{AgentID: "worker-1", AgentType: "worker"}
	if err := reg.Register(context.Background(), workerDesc, 10); err != nil {
		t.Fatalf("%s - Register() error = %v", integrationTestPrefix, err)
	}

	// A plain subscription sees the raw message alongside the queue group.
	raw := make(chan *comms.Msg, 1)
	sub, err := nc.Subscribe(commsutil.InboxSubject("worker", "worker-1"), func(msg *comms.Msg) {
		raw <- msg
	})
	if err != nil {
		t.Fatalf("%s - raw subscribe failed: %v", integrationTestPrefix, err)
	}
	defer sub.Unsubscribe()

	planner, err := NewClient(NewClientParams{
		Local:    protocol.AgentDescriptor{AgentID: "planner-1", AgentType: "planner"},
		Registry: reg,
		Broker:   broker,
	})
	if err != nil {
		t.Fatalf("%s - NewClient() error = %v", integrationTestPrefix, err)
	}
	defer planner.Close(context.Background())

	if _, err := planner.Send(context.Background(), SendRequest{
		TargetID:    "worker-1",
		MessageType: protocol.MessageTypeStatusUpdate,
		Method:      "report_progress",
		Priority:    protocol.PriorityHigh,
		TTLSeconds:  120,
	}); err != nil {
		t.Fatalf("%s - Send() error = %v", integrationTestPrefix, err)
	}

	select {
	case msg := <-raw:
		if got := msg.Header.Get(HeaderPriority); got != "200" {
			t.Errorf("%s - %s = %q, want 200", integrationTestPrefix, HeaderPriority, got)
		}
		expires := msg.Header.Get(HeaderExpires)
		exp, err := time.Parse(time.RFC3339, expires)
		if err != nil {
			t.Fatalf("%s - %s = %q is not RFC3339: %v", integrationTestPrefix, HeaderExpires, expires, err)
		}
		if !exp.After(time.Now()) {
			t.Errorf("%s - expiry %v already in the past", integrationTestPrefix, exp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transport:comms_broker_integration_test - timeout waiting for raw message")
	}
}

func TestClient_ExpiredEnvelopeDroppedOverComms(t *testing.T) {
	nc, cleanup := startTestServer(t, 14252)
	defer cleanup()

	broker := NewCommsBroker(nc)
	reg := registry.NewRegistry(registry.NewRegistryParams{})

	worker, err := NewClient(NewClientParams{
		Local:    protocol.AgentDescriptor{AgentID: "worker-1", AgentType: "worker"},
		Registry: reg,
		Broker:   broker,
	})
	if err != nil {
		t.Fatalf("%s - NewClient() error = %v", integrationTestPrefix, err)
	}
	defer worker.Close(context.Background())
	received := make(chan *protocol.Envelope, 2)
	worker.Handle(protocol.MessageTypeTaskAssignment, func(ctx context.Context, env *protocol.Envelope) (interface{}, error) {
		received <- env
		return nil, nil
	})
	if err := worker.Start(); err != nil {
		t.Fatalf("%s - Start() error = %v", integrationTestPrefix, err)
	}

	source := protocol.AgentDescriptor{AgentID: "planner-1", AgentType: "planner"}
	target := protocol.AgentDescriptor{AgentID: "worker-1", AgentType: "worker"}
	subject := commsutil.InboxSubject("worker", "worker-1")

	expired := protocol.NewEnvelope(protocol.NewEnvelopeParams{
		Source:      source,
		Target:      target,
		MessageType: protocol.MessageTypeTaskAssignment,
		Method:      "stale_task",
		TTLSeconds:  1,
	})
	expired.Header.Timestamp = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	fresh := protocol.NewEnvelope(protocol.NewEnvelopeParams{
		Source:      source,
		Target:      target,
		MessageType: protocol.MessageTypeTaskAssignment,
		Method:      "fresh_task",
	})

	// Per-subject ordering means the stale envelope is handled first, so a
	// lone fresh dispatch proves the drop.
	for _, env := range []*protocol.Envelope{expired, fresh} {
		data, err := commsutil.EncodeEnvelope(env)
		if err != nil {
			t.Fatalf("%s - EncodeEnvelope() error = %v", integrationTestPrefix, err)
		}
		if err := broker.Publish(subject, brokerHeaders(env), data); err != nil {
			t.Fatalf("%s - Publish() error = %v", integrationTestPrefix, err)
		}
	}
	if err := broker.Flush(); err != nil {
		t.Fatalf("%s - Flush() error = %v", integrationTestPrefix, err)
	}

	env := waitEnvelope(t, received)
	if env.Payload.Method != "fresh_task" {
		t.Errorf("%s - dispatched method = %q, want fresh_task", integrationTestPrefix, env.Payload.Method)
	}
	if len(received) != 0 {
		t.Errorf("%s - expired envelope was dispatched", integrationTestPrefix)
	}
}
