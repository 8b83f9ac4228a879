package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the query command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

var (
	queryMessage    string
	queryGatewayURL string
	queryAPIKey     string
	queryStream     bool
	queryTimeout    int
	queryChatID     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a one-shot message to a running server",
	Long: `Send a message to the Sanduku server and print the agent's answer.
A new chat is created unless --chat-id names an existing one; pass the printed
chat id back to continue the conversation in the same sandbox.

Examples:
  sanduku query -m "write a script that sums the numbers in data.csv"
  sanduku query -m "now run it" --chat-id 2f1f...
  sanduku query -m "plot the result" --chat-id 2f1f... --stream

Exit codes:
  0  success
  1  execution failure
  2  unauthorized or rate limited
  3  server unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryMessage, "message", "m", "", "message to send (required)")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "server HTTP API URL")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key (or SANDUKU_API_KEY env)")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "stream the turn via SSE")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 600, "timeout in seconds")
	queryCmd.Flags().StringVar(&queryChatID, "chat-id", "", "existing chat ID for multi-turn context")

	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	if queryMessage == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	apiKey := goutils.Env("SANDUKU_API_KEY", queryAPIKey)
	gatewayURL := goutils.Env("SANDUKU_GATEWAY_URL", queryGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	chatID := queryChatID
	if chatID == "" {
		var err error
		chatID, err = createChat(ctx, gatewayURL, apiKey)
		if err != nil {
			return err
		}
	}

	if queryStream {
		return runQuerySSE(ctx, gatewayURL, apiKey, chatID)
	}
	return runQueryHTTP(ctx, gatewayURL, apiKey, chatID)
}

// createChat creates a new chat session and returns its id.
func createChat(ctx context.Context, gatewayURL, apiKey string) (string, error) {
	resp, err := doJSON(ctx, gatewayURL+"/v1/chats", apiKey, map[string]any{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)
	}
	if resp.StatusCode != http.StatusCreated {
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	var chat struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &chat); err != nil || chat.ID == "" {
		fmt.Fprintf(os.Stderr, "Error: malformed chat response: %s\n", string(body))
		os.Exit(ExitFailure)
	}
	return chat.ID, nil
}

// runQueryHTTP sends a synchronous message and prints the response.
func runQueryHTTP(ctx context.Context, gatewayURL, apiKey, chatID string) error {
	resp, err := doJSON(ctx, gatewayURL+"/v1/chats/"+chatID+"/messages", apiKey,
		map[string]any{"message": queryMessage})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result struct {
			Content           string `json:"content"`
			Iterations        int    `json:"iterations"`
			TerminationReason string `json:"termination_reason"`
			InputTokens       int    `json:"input_tokens"`
			OutputTokens      int    `json:"output_tokens"`
		}
		_ = json.Unmarshal(respBody, &result)
		fmt.Println(result.Content)
		fmt.Fprintf(os.Stderr, "\n[chat_id=%s iterations=%d reason=%s tokens=%d/%d]\n",
			chatID, result.Iterations, result.TerminationReason,
			result.InputTokens, result.OutputTokens)
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: server unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(respBody))
		os.Exit(ExitFailure)
	}

	return nil
}

// runQuerySSE sends a streaming message and prints events as they arrive.
func runQuerySSE(ctx context.Context, gatewayURL, apiKey, chatID string) error {
	resp, err := doJSON(ctx, gatewayURL+"/v1/chats/"+chatID+"/messages/stream", apiKey,
		map[string]any{"message": queryMessage})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach server at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitDenied)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode, string(body))
		os.Exit(ExitFailure)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	exitCode := ExitSuccess

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Tool    string `json:"tool"`
			Success bool   `json:"success"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}

		switch event.Type {
		case "text":
			fmt.Print(event.Content)
		case "tool_result":
			status := "ok"
			if !event.Success {
				status = "failed"
			}
			fmt.Fprintf(os.Stderr, "[tool: %s %s]\n", event.Tool, status)
		case "error":
			fmt.Fprintf(os.Stderr, "Error: %s\n", event.Content)
			exitCode = ExitFailure
		case "done":
			fmt.Println()
			fmt.Fprintf(os.Stderr, "[chat_id=%s]\n", chatID)
			os.Exit(exitCode)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: stream interrupted: %v\n", err)
		os.Exit(ExitFailure)
	}

	return nil
}

// doJSON posts a JSON body with the standard headers.
func doJSON(ctx context.Context, url, apiKey string, body map[string]any) (*http.Response, error) {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return http.DefaultClient.Do(req)
}
