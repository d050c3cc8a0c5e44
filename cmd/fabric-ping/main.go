// Package main is a command line probe for fabric agents. It sends one
// HEALTH_CHECK request to a target agent and prints the reply envelope.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-fabric/pkg/commsutil"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
	"github.com/morezero/agent-fabric/pkg/transport"
)

func main() {
	var (
		commsURL = flag.String("url", "nats://127.0.0.1:4222", "COMMS server URL")
		target   = flag.String("target", "", "agent id to probe (required)")
		ttype    = flag.String("type", "worker", "agent type of the target")
		method   = flag.String("method", protocol.MethodPing, "method carried by the probe")
		timeout  = flag.Duration("timeout", 5*time.Second, "time to wait for the reply")
	)
	flag.Parse()

	if *target == "" {
		fmt.Fprintln(os.Stderr, "fabric-ping: -target is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*commsURL, *target, *ttype, *method, *timeout); err != nil {
		log.Fatalf("fabric-ping: %v", err)
	}
}

func run(commsURL, target, targetType, method string, timeout time.Duration) error {
	nc, err := commsutil.Connect(commsutil.ConnectParams{URL: commsURL, Name: "fabric-ping"})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer nc.Close()

	ctx := context.Background()

	// A direct send resolves its target through the client's registry, so the
	// target has to be registered before the probe goes out.
	reg := registry.NewRegistry(registry.NewRegistryParams{})
	targetDesc := protocol.AgentDescriptor{AgentID: target, AgentType: targetType}
	if err := reg.Register(ctx, targetDesc, 1); err != nil {
		return fmt.Errorf("register target: %w", err)
	}

	local := protocol.AgentDescriptor{
		AgentID:   fmt.Sprintf("fabric-ping-%s", uuid.NewString()[:8]),
		AgentType: "probe",
	}
	client, err := transport.NewClient(transport.NewClientParams{
		Local:    local,
		Registry: reg,
		Broker:   transport.NewCommsBroker(nc),
	})
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer client.Close(ctx)

	start := time.Now()
	reply, err := client.Send(ctx, transport.SendRequest{
		TargetID:        target,
		MessageType:     protocol.MessageTypeHealthCheck,
		Method:          method,
		Priority:        protocol.PriorityLow,
		WaitForResponse: true,
		Timeout:         timeout,
	})
	if err != nil {
		return fmt.Errorf("probe %s: %w", target, err)
	}
	elapsed := time.Since(start)

	fmt.Printf("Reply from %s in %s:\n", target, elapsed.Round(time.Millisecond))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}
