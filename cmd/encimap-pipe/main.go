// Command encimap-pipe is the MTA pipe transport for encrypted mailboxes.
// The MTA invokes it with a vaultbox id argument and the raw RFC 5322
// message on stdin; the message is handed to the local intake worker over
// HTTP. Exit codes follow sysexits so the MTA bounces on permanent
// failures and requeues on transient ones.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/motorical/encimap/internal/config"
)

// sysexits understood by the MTA's pipe daemon.
const (
	exOK          = 0
	exDataErr     = 65
	exUnavailable = 69
	exTempFail    = 75
)

func main() {
	os.Exit(run())
}

func run() int {
	// The vaultbox id is the first non-flag argument; strip it before
	// flag parsing so the shared config flags still work.
	var vaultboxID string
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		vaultboxID = os.Args[1]
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}

	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encimap-pipe: loading config:", err)
		return exTempFail
	}

	if vaultboxID == "" {
		fmt.Fprintln(os.Stderr, "encimap-pipe: usage: encimap-pipe <vaultbox_id>")
		return exDataErr
	}

	message, err := io.ReadAll(io.LimitReader(os.Stdin, cfg.Intake.MaxMessageSize+1))
	if err != nil {
		fmt.Fprintln(os.Stderr, "encimap-pipe: reading message:", err)
		return exTempFail
	}
	if int64(len(message)) > cfg.Intake.MaxMessageSize {
		fmt.Fprintln(os.Stderr, "encimap-pipe: message exceeds size limit")
		return exDataErr
	}
	if len(message) == 0 {
		fmt.Fprintln(os.Stderr, "encimap-pipe: empty message")
		return exDataErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Intake.SoftDeadlineDuration())
	defer cancel()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/intake/test?vaultbox_id=%s", cfg.Intake.Port, vaultboxID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(message))
	if err != nil {
		fmt.Fprintln(os.Stderr, "encimap-pipe: building request:", err)
		return exTempFail
	}
	req.Header.Set("Content-Type", "message/rfc822")

	client := &http.Client{Timeout: cfg.Intake.SoftDeadlineDuration() + 10*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		// Worker down or unreachable: requeue.
		fmt.Fprintln(os.Stderr, "encimap-pipe: delivering:", err)
		return exTempFail
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool   `json:"ok"`
		Path   string `json:"path"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&result)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return exOK
	case resp.StatusCode >= 500:
		// Transient at the worker: requeue and retry.
		fmt.Fprintf(os.Stderr, "encimap-pipe: temporary failure: %s\n", result.Reason)
		return exTempFail
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		fmt.Fprintln(os.Stderr, "encimap-pipe: message too large")
		return exDataErr
	default:
		// Permanent: unknown recipient, no certificates, bad input.
		fmt.Fprintf(os.Stderr, "encimap-pipe: permanent failure: %s\n", result.Reason)
		return exUnavailable
	}
}
