package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"github.com/spf13/cobra"

	"github.com/tcmartin/crewrunner/pkg/hub"
	"github.com/tcmartin/crewrunner/pkg/models"
)

type executeResponse struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	StartedAt   time.Time `json:"started_at"`
}

func executeCmd() *cobra.Command {
	var (
		fileIDs []string
		mode    string
		follow  bool
	)
	cmd := &cobra.Command{
		Use:   "execute [prompt]",
		Short: "Start a crew execution",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := models.ExecutionRequest{
				Prompt:        strings.Join(args, " "),
				UploadedFiles: fileIDs,
				ExecutionMode: mode,
			}
			var resp executeResponse
			exitOnError(call(http.MethodPost, "/api/crew/execute", req, &resp))
			fmt.Printf("Execution %s started (%s)\n", resp.ExecutionID, resp.Status)

			if follow {
				exitOnError(watchExecution(resp.ExecutionID))
			}
		},
	}
	cmd.Flags().StringSliceVar(&fileIDs, "file", nil, "Uploaded file id to include (repeatable)")
	cmd.Flags().StringVar(&mode, "mode", models.ModeRun, "Execution mode: run, train or test")
	cmd.Flags().BoolVar(&follow, "watch", false, "Follow the execution over websocket")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var status map[string]interface{}
			exitOnError(call(http.MethodGet, "/api/crew/status/"+url.PathEscape(args[0]), nil, &status))
			printJSON(status)
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Run: func(cmd *cobra.Command, args []string) {
			var history []models.ExecutionSummary
			exitOnError(call(http.MethodGet, "/api/crew/executions", nil, &history))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tSTARTED")
			for _, e := range history {
				fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\n", e.ID, e.Status, e.Progress*100, e.StartedAt.Local().Format(time.DateTime))
			}
			w.Flush()
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a pending or running execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var resp map[string]string
			exitOnError(call(http.MethodDelete, "/api/crew/executions/"+url.PathEscape(args[0]), nil, &resp))
			fmt.Println(resp["message"])
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [execution-id]",
		Short: "Follow an execution over websocket until it finishes",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(watchExecution(args[0]))
		},
	}
}

func websocketURL(executionID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	u.RawQuery = url.Values{"execution_id": {executionID}}.Encode()
	return u.String(), nil
}

// watchExecution prints updates until a completion or cancellation arrives
func watchExecution(executionID string) error {
	wsURL, err := websocketURL(executionID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return err
		}
		done, err := printMessage(raw)
		if err != nil || done {
			return err
		}
	}
}

// printMessage renders one server message and reports whether it was terminal
func printMessage(raw []byte) (bool, error) {
	var envelope struct {
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, err
	}

	switch envelope.Type {
	case hub.TypeSystem:
		fmt.Println("*", envelope.Message)
	case hub.TypeError:
		fmt.Println("! ", envelope.Error)
	case hub.TypeExecutionUpdate:
		var data map[string]interface{}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return false, err
		}
		switch data["type"] {
		case models.UpdateTypeCompletion:
			fmt.Printf("Execution %v\n", data["status"])
			if e, ok := data["error"].(string); ok && e != "" {
				fmt.Println("Error:", e)
			}
			if out, ok := data["output"].(string); ok && out != "" {
				fmt.Println(out)
			}
			return true, nil
		case models.UpdateTypeCancellation:
			fmt.Println(data["message"])
			return true, nil
		}
		if progress, ok := data["progress"].(float64); ok {
			fmt.Printf("[%3.0f%%] %v %v\n", progress*100, valueOr(data["current_agent"], ""), valueOr(data["current_task"], ""))
		} else if status, ok := data["status"]; ok {
			fmt.Printf("status: %v\n", status)
		}
	}
	return false, nil
}

func valueOr(v interface{}, fallback string) interface{} {
	if v == nil {
		return fallback
	}
	return v
}

func streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream [execution-id]",
		Short: "Follow an execution over server-sent events",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			client := sse.NewClient(serverURL + "/api/crew/executions/" + url.PathEscape(args[0]) + "/events")
			if token != "" {
				client.Headers["Authorization"] = "Bearer " + token
			}
			err := client.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
				if len(ev.Data) == 0 {
					return
				}
				done, err := printMessage(ev.Data)
				if err != nil {
					fmt.Printf("Warning: %v\n", err)
				}
				if done {
					cancel()
				}
			})
			if err != nil && ctx.Err() == nil {
				exitOnError(err)
			}
		},
	}
}
