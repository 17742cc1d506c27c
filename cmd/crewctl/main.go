package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

type controlRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type controlResponse struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func sendControl(natsURL, subject, reqType string, payload map[string]any) (*controlResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(controlRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(subject, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}

	var resp controlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// buildRequest turns a command line into a control request type and payload.
func buildRequest(command string, rest []string) (string, map[string]any, error) {
	args := parseArgs(rest)

	id := func(key string) (int64, error) {
		v := args[key]
		if v == "" {
			return 0, fmt.Errorf("--%s is required", key)
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("--%s must be a number, got %q", key, v)
		}
		return n, nil
	}

	switch command {
	case "start", "stop", "status", "order", "metrics", "schedules":
		crewID, err := id("crew")
		if err != nil {
			return "", nil, err
		}
		reqType := command
		if command == "schedules" {
			reqType = "list_schedules"
		}
		return reqType, map[string]any{"crew_id": crewID}, nil

	case "running":
		return "running", nil, nil

	case "executions":
		crewID, err := id("crew")
		if err != nil {
			return "", nil, err
		}
		payload := map[string]any{"crew_id": crewID}
		if args["limit"] != "" {
			limit, err := id("limit")
			if err != nil {
				return "", nil, err
			}
			payload["limit"] = limit
		}
		return "executions", payload, nil

	case "run-task", "start-task", "reset-task":
		taskID, err := id("task")
		if err != nil {
			return "", nil, err
		}
		types := map[string]string{
			"run-task":   "execute_task",
			"start-task": "start_task",
			"reset-task": "reset_task",
		}
		return types[command], map[string]any{"task_id": taskID}, nil

	case "complete-task":
		taskID, err := id("task")
		if err != nil {
			return "", nil, err
		}
		payload := map[string]any{"task_id": taskID}
		if raw := args["output"]; raw != "" {
			var output map[string]any
			if err := json.Unmarshal([]byte(raw), &output); err != nil {
				return "", nil, fmt.Errorf("--output must be a JSON object: %w", err)
			}
			payload["output"] = output
		}
		if f := args["file"]; f != "" {
			payload["output_file"] = f
		}
		return "complete_task", payload, nil

	case "schedule":
		crewID, err := id("crew")
		if err != nil {
			return "", nil, err
		}
		if args["schedule"] == "" {
			return "", nil, fmt.Errorf("--schedule is required")
		}
		return "create_schedule", map[string]any{
			"crew_id":  crewID,
			"name":     args["name"],
			"schedule": args["schedule"],
		}, nil

	case "unschedule":
		if args["id"] == "" {
			return "", nil, fmt.Errorf("--id is required")
		}
		return "delete_schedule", map[string]any{"id": args["id"]}, nil
	}
	return "", nil, fmt.Errorf("unknown command: %s", command)
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  crewctl start|stop|status|order|metrics --crew <id>")
	fmt.Fprintln(os.Stderr, "  crewctl executions --crew <id> [--limit <n>]")
	fmt.Fprintln(os.Stderr, "  crewctl running")
	fmt.Fprintln(os.Stderr, "  crewctl run-task|start-task|reset-task --task <id>")
	fmt.Fprintln(os.Stderr, `  crewctl complete-task --task <id> [--output '{"k":"v"}'] [--file <path>]`)
	fmt.Fprintln(os.Stderr, `  crewctl schedule --crew <id> --schedule "every 1h" [--name "..."]`)
	fmt.Fprintln(os.Stderr, "  crewctl schedules --crew <id>")
	fmt.Fprintln(os.Stderr, `  crewctl unschedule --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	subject := os.Getenv("SCRIPTCREW_CONTROL_SUBJECT")
	if subject == "" {
		subject = "scriptcrew.control"
	}

	if len(os.Args) < 2 {
		usage()
	}

	reqType, payload, err := buildRequest(os.Args[1], os.Args[2:])
	if err != nil {
		fatal("%v", err)
	}

	resp, err := sendControl(natsURL, subject, reqType, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	if len(resp.Data) == 0 {
		fmt.Println("OK")
		return
	}

	var pretty any
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		fatal("decode response data: %v", err)
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
