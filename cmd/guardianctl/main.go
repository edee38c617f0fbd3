// guardianctl drives the wallet recovery API from the command line. It is
// aimed at guardians and operators: configuring rosters, approving
// requests and inspecting state.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

var flagServer *cli.StringFlag = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Recovery server address to request",
}

var flagWallet *cli.StringFlag = &cli.StringFlag{
	Name:     "wallet",
	Usage:    "Wallet contract address (0x-prefixed hex)",
	Required: true,
}

var flagGuardian *cli.StringFlag = &cli.StringFlag{
	Name:     "guardian",
	Usage:    "Guardian address (0x-prefixed hex)",
	Required: true,
}

var flagRequest *cli.StringFlag = &cli.StringFlag{
	Name:     "request",
	Usage:    "Recovery request ID",
	Required: true,
}

func main() {
	app := &cli.App{
		Name:           "guardianctl",
		Usage:          "Manage wallet guardians and recovery requests",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:        "setup",
				Description: "Configure a wallet's guardian roster from a JSON file",
				Flags: []cli.Flag{
					flagServer,
					flagWallet,
					&cli.StringFlag{
						Name:     "config-file",
						Usage:    "JSON file with guardians, threshold and delay_seconds",
						Required: true,
					},
				},
				Action: func(cCtx *cli.Context) error {
					body, err := os.ReadFile(cCtx.String("config-file"))
					if err != nil {
						return err
					}
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/%s/setup", cCtx.String(flagWallet.Name)), json.RawMessage(body))
				},
			},
			{
				Name:        "add-guardian",
				Description: "Add one guardian to a wallet's roster",
				Flags: []cli.Flag{
					flagServer,
					flagWallet,
					flagGuardian,
					&cli.StringFlag{Name: "name", Usage: "Guardian display name"},
					&cli.StringFlag{Name: "kind", Value: "individual", Usage: "Guardian kind: individual, contract or multisig"},
					&cli.Uint64Flag{Name: "weight", Value: 1, Usage: "Approval weight"},
				},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/%s/guardians", cCtx.String(flagWallet.Name)), map[string]any{
						"address":      cCtx.String(flagGuardian.Name),
						"display_name": cCtx.String("name"),
						"kind":         cCtx.String("kind"),
						"weight":       cCtx.Uint64("weight"),
					})
				},
			},
			{
				Name:        "remove-guardian",
				Description: "Remove one guardian from a wallet's roster",
				Flags:       []cli.Flag{flagServer, flagWallet, flagGuardian},
				Action: func(cCtx *cli.Context) error {
					return do(cCtx, http.MethodDelete, fmt.Sprintf("/api/recovery/%s/guardians/%s", cCtx.String(flagWallet.Name), cCtx.String(flagGuardian.Name)), nil)
				},
			},
			{
				Name:        "initiate",
				Description: "Open a recovery request for a wallet",
				Flags: []cli.Flag{
					flagServer,
					flagWallet,
					&cli.StringFlag{Name: "new-owner", Usage: "Proposed new owner address", Required: true},
					&cli.StringFlag{Name: "principal", Usage: "Acting principal", Required: true},
					&cli.StringFlag{Name: "mfa-token", Usage: "Finalized MFA session token, if demanded"},
				},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/%s/initiate", cCtx.String(flagWallet.Name)), map[string]any{
						"new_owner": cCtx.String("new-owner"),
						"principal": cCtx.String("principal"),
						"mfa_token": cCtx.String("mfa-token"),
					})
				},
			},
			{
				Name:        "approve",
				Description: "Record a guardian approval on a pending request",
				Flags:       []cli.Flag{flagServer, flagRequest, flagGuardian},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/requests/%s/approve", cCtx.String(flagRequest.Name)), map[string]any{
						"guardian": cCtx.String(flagGuardian.Name),
					})
				},
			},
			{
				Name:        "cancel",
				Description: "Cancel an active recovery request as the wallet owner",
				Flags:       []cli.Flag{flagServer, flagRequest, flagWallet},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/requests/%s/cancel", cCtx.String(flagRequest.Name)), map[string]any{
						"wallet_id": cCtx.String(flagWallet.Name),
					})
				},
			},
			{
				Name:        "execute",
				Description: "Execute an approved request once its delay has elapsed",
				Flags:       []cli.Flag{flagServer, flagRequest},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/recovery/requests/%s/execute", cCtx.String(flagRequest.Name)), nil)
				},
			},
			{
				Name:        "status",
				Description: "Show a wallet's recovery configuration and requests",
				Flags:       []cli.Flag{flagServer, flagWallet},
				Action: func(cCtx *cli.Context) error {
					if err := do(cCtx, http.MethodGet, fmt.Sprintf("/api/recovery/%s/config", cCtx.String(flagWallet.Name)), nil); err != nil {
						return err
					}
					return do(cCtx, http.MethodGet, fmt.Sprintf("/api/recovery/%s/requests", cCtx.String(flagWallet.Name)), nil)
				},
			},
			{
				Name:        "request",
				Description: "Show one recovery request",
				Flags:       []cli.Flag{flagServer, flagRequest},
				Action: func(cCtx *cli.Context) error {
					return do(cCtx, http.MethodGet, fmt.Sprintf("/api/recovery/requests/%s", cCtx.String(flagRequest.Name)), nil)
				},
			},
			{
				Name:        "denylist",
				Description: "Show denylisted source addresses",
				Flags:       []cli.Flag{flagServer},
				Action: func(cCtx *cli.Context) error {
					return do(cCtx, http.MethodGet, "/api/anomaly/denylist", nil)
				},
			},
			{
				Name:        "unlock",
				Description: "Clear a principal's lockout",
				Flags: []cli.Flag{
					flagServer,
					&cli.StringFlag{Name: "principal", Usage: "Principal to unlock", Required: true},
					&cli.BoolFlag{Name: "admin-override", Usage: "Unlock before the lockout window has elapsed"},
				},
				Action: func(cCtx *cli.Context) error {
					return postJSON(cCtx, fmt.Sprintf("/api/anomaly/%s/unlock", cCtx.String("principal")), map[string]any{
						"admin_override": cCtx.Bool("admin-override"),
					})
				},
			},
			{
				Name:        "reset-score",
				Description: "Zero a principal's risk score",
				Flags: []cli.Flag{
					flagServer,
					&cli.StringFlag{Name: "principal", Usage: "Principal to reset", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					return do(cCtx, http.MethodPost, fmt.Sprintf("/api/anomaly/%s/reset-score", cCtx.String("principal")), nil)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func postJSON(cCtx *cli.Context, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return do(cCtx, http.MethodPost, path, body)
}

func do(cCtx *cli.Context, method, path string, body io.Reader) error {
	url := strings.TrimSuffix(cCtx.String(flagServer.Name), "/") + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) > 0 {
		fmt.Println(strings.TrimSpace(string(respBody)))
	} else {
		fmt.Println(resp.Status)
	}
	return nil
}
