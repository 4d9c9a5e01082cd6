// Command orchestratorctl is a thin operator CLI over the orchestrator's
// JSON-RPC control-plane surface: one subcommand per control-plane method,
// talking plain HTTP to a running orchestratord.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/orchestrator/internal/model"
)

// Exit codes per the operator CLI surface.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitValidation    = 2
	exitUnauthorized  = 3
	exitUnavailable   = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := flag.NewFlagSet("orchestratorctl", flag.ContinueOnError)
	addr := root.String("addr", envOr("ORCHESTRATORCTL_ADDR", "http://localhost:8080"), "orchestrator RPC base URL")
	asJSON := root.Bool("json", false, "print the raw JSON-RPC result")
	timeout := root.Duration("timeout", 10*time.Second, "request timeout")

	// Global flags precede the subcommand: orchestratorctl --json status.
	if err := root.Parse(args); err != nil {
		return exitValidation
	}
	rest := root.Args()
	if len(rest) == 0 {
		usage()
		return exitGeneric
	}
	cmd := rest[0]
	subArgs := rest[1:]

	client := &rpcClient{baseURL: *addr, httpClient: &http.Client{Timeout: *timeout}}

	var (
		result interface{}
		err    error
	)
	switch cmd {
	case "status":
		result, err = client.call("status", nil)
	case "analytics":
		fs := flag.NewFlagSet("analytics", flag.ContinueOnError)
		windowSeconds := fs.Int("window-seconds", 300, "aggregation window")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		result, err = client.call("analytics", map[string]any{"window_seconds": *windowSeconds})
	case "scale":
		fs := flag.NewFlagSet("scale", flag.ContinueOnError)
		pool := fs.String("pool", "", "pool name")
		delta := fs.Int("delta", 0, "relative scale delta")
		absolute := fs.Int("absolute", -1, "absolute target size (-1 means unset)")
		reason := fs.String("reason", "operator cli", "audit reason")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *pool == "" {
			fmt.Fprintln(os.Stderr, "scale: --pool is required")
			return exitValidation
		}
		params := map[string]any{"pool": *pool, "reason": *reason}
		if *absolute >= 0 {
			params["absolute"] = *absolute
		} else {
			params["delta"] = *delta
		}
		result, err = client.call("control.scale", params)
	case "pause":
		fs := flag.NewFlagSet("pause", flag.ContinueOnError)
		pool := fs.String("pool", "", "pool name")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *pool == "" {
			fmt.Fprintln(os.Stderr, "pause: --pool is required")
			return exitValidation
		}
		result, err = client.call("control.pause", map[string]any{"pool": *pool})
	case "resume":
		fs := flag.NewFlagSet("resume", flag.ContinueOnError)
		pool := fs.String("pool", "", "pool name")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *pool == "" {
			fmt.Fprintln(os.Stderr, "resume: --pool is required")
			return exitValidation
		}
		result, err = client.call("control.resume", map[string]any{"pool": *pool})
	case "reclaim":
		fs := flag.NewFlagSet("reclaim", flag.ContinueOnError)
		stream := fs.String("stream", "", "stream name")
		group := fs.String("group", "", "consumer group")
		minIdleMs := fs.Int64("min-idle-ms", 30000, "minimum idle time before reclaim")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *stream == "" || *group == "" {
			fmt.Fprintln(os.Stderr, "reclaim: --stream and --group are required")
			return exitValidation
		}
		result, err = client.call("control.reclaim", map[string]any{"stream": *stream, "group": *group, "min_idle_ms": *minIdleMs})
	case "dlq-list":
		fs := flag.NewFlagSet("dlq-list", flag.ContinueOnError)
		stream := fs.String("stream", "", "dlq stream name")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *stream == "" {
			fmt.Fprintln(os.Stderr, "dlq-list: --stream is required")
			return exitValidation
		}
		result, err = client.call("control.dlq_list", map[string]any{"stream": *stream})
	case "dlq-replay":
		fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
		dlqStream := fs.String("dlq-stream", "", "dlq stream name")
		originStream := fs.String("origin-stream", "", "origin stream to replay back onto")
		entryID := fs.String("entry-id", "", "dead-letter entry id")
		taskID := fs.String("task-id", "", "original task id")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *dlqStream == "" || *originStream == "" || *entryID == "" {
			fmt.Fprintln(os.Stderr, "dlq-replay: --dlq-stream, --origin-stream and --entry-id are required")
			return exitValidation
		}
		result, err = client.call("control.dlq_replay", map[string]any{
			"dlq_stream": *dlqStream, "origin_stream": *originStream,
			"entry": map[string]any{"entry_id": *entryID, "task_id": *taskID},
		})
	case "inject-task":
		fs := flag.NewFlagSet("inject-task", flag.ContinueOnError)
		method := fs.String("method", "", "catalog method name")
		capability := fs.String("capability", "", "capability pool")
		priority := fs.String("priority", string(model.PriorityHigh), "priority class")
		tenant := fs.String("tenant", "operator", "tenant id")
		paramsJSON := fs.String("params", "{}", "task params as a JSON object")
		if perr := fs.Parse(subArgs); perr != nil {
			return exitValidation
		}
		if *method == "" || *capability == "" {
			fmt.Fprintln(os.Stderr, "inject-task: --method and --capability are required")
			return exitValidation
		}
		var params map[string]any
		if jerr := json.Unmarshal([]byte(*paramsJSON), &params); jerr != nil {
			fmt.Fprintf(os.Stderr, "inject-task: --params is not valid JSON: %v\n", jerr)
			return exitValidation
		}
		task := model.Task{
			TaskID: uuid.NewString(), Method: *method, Capability: *capability,
			PriorityClass: model.PriorityClass(*priority), Params: params,
			TenantID: *tenant, SubmitterID: "orchestratorctl", SubmittedAt: time.Now(),
			Status: model.TaskAccepted,
		}
		result, err = client.call("inject.task", task)
	case "help", "-h", "--help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "orchestratorctl: unknown command %q\n", cmd)
		usage()
		return exitValidation
	}

	if err != nil {
		return report(err, *asJSON)
	}
	printResult(result, *asJSON)
	return exitOK
}

func usage() {
	fmt.Fprintln(os.Stderr, `orchestratorctl <command> [flags]

Commands:
  status                 list every worker pool's current/active/queue depth
  analytics               windowed throughput/latency/error-rate aggregates
  scale                   resize a worker pool
  pause / resume          suspend or resume claims on a pool
  reclaim                 operator-initiated reclaim of idle claims
  dlq-list                list dead-lettered entries on a stream
  dlq-replay              re-enqueue a dead-lettered entry
  inject-task             submit an operator task at elevated priority

Global flags: --addr, --json, --timeout`)
}

// rpcClient is a minimal JSON-RPC 2.0 client speaking to the orchestrator's
// /rpc endpoint.
type rpcClient struct {
	baseURL    string
	httpClient *http.Client
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func (c *rpcClient) call(method string, params interface{}) (interface{}, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &unavailableError{cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &unavailableError{cause: err}
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if out.Error != nil {
		return nil, out.Error
	}

	var result interface{}
	if len(out.Result) > 0 {
		if err := json.Unmarshal(out.Result, &result); err != nil {
			return nil, fmt.Errorf("malformed result: %w", err)
		}
	}
	return result, nil
}

// unavailableError marks a transport-level failure (connection refused,
// timeout) distinct from an RPC-level error response.
type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return fmt.Sprintf("backend unavailable: %v", e.cause) }
func (e *unavailableError) Unwrap() error { return e.cause }

func report(err error, asJSON bool) int {
	code := exitGeneric
	var rerr *rpcError
	var uerr *unavailableError
	switch {
	case errors.As(err, &rerr):
		switch rerr.Code {
		case -32001:
			code = exitUnauthorized
		case -32602:
			code = exitValidation
		}
	case errors.As(err, &uerr):
		code = exitUnavailable
	}

	if asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]string{"error": err.Error()})
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return code
}

func printResult(result interface{}, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(result)
		return
	}
	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Println(result)
		return
	}
	fmt.Println(string(pretty))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
