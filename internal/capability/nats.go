package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Request is the JSON body sent to agent workers.
type Request struct {
	Agent AgentDescriptor `json:"agent"`
	Task  TaskDescriptor  `json:"task"`
}

// Reply is what an agent worker answers with. A non-empty Error means the
// run failed.
type Reply struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NATSRunner sends each task to whichever agent worker listens on subject
// and waits for its reply. Secret references in the agent's LLM config are
// resolved just before sending.
type NATSRunner struct {
	client  *natsbus.Client
	subject string
	secrets SecretResolver
}

func NewNATSRunner(client *natsbus.Client, subject string, secrets SecretResolver) *NATSRunner {
	return &NATSRunner{client: client, subject: subject, secrets: secrets}
}

func (r *NATSRunner) Run(ctx context.Context, agent AgentDescriptor, task TaskDescriptor) (string, error) {
	cfg, used, err := resolveSecrets(r.secrets, agent.CrewID, agent.LLMConfig)
	if err != nil {
		return "", fmt.Errorf("resolve llm config: %w", err)
	}
	agent.LLMConfig = cfg

	data, err := json.Marshal(Request{Agent: agent, Task: task})
	if err != nil {
		return "", fmt.Errorf("marshal agent request: %w", err)
	}

	msg, err := r.client.RequestContext(ctx, r.subject, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return "", fmt.Errorf("no agent worker on %s: %w", r.subject, crew.ErrCapabilityUnavailable)
	}
	if err != nil {
		return "", fmt.Errorf("agent request: %w", err)
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("decode agent reply: %w", err)
	}
	if reply.Error != "" {
		return "", errors.New(redact(reply.Error, used))
	}
	return redact(reply.Result, used), nil
}

// Serve answers agent requests on subject with c. It is how a worker
// process exposes a Capability over the bus; several workers may share the
// queue group.
func Serve(client *natsbus.Client, subject string, c Capability) (*nats.Subscription, error) {
	return client.QueueSubscribe(subject, "agent-workers", func(msg *nats.Msg) {
		var req Request
		var reply Reply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = "invalid request"
		} else if result, err := c.Run(context.Background(), req.Agent, req.Task); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = result
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
}
