/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"chatrelay/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var statusAddress string

// statusCmd queries a running gateway's /status endpoint.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running gateway",
	Long:  "Fetches /status from a running ChatRelay gateway and pretty-prints the per-channel connection state.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		address := statusAddress
		if address == "" {
			address = resolveStatusAddress()
		}

		body, err := fetchStatus(address)
		if err != nil {
			fmt.Printf("failed to fetch gateway status: %v\n", err)
			return
		}

		fmt.Print(body)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddress, "address", "", "gateway status address (host:port); defaults to the configured gateway bind")
	rootCmd.AddCommand(statusCmd)
}

// resolveStatusAddress falls back to the configured gateway bind, then the
// default port on localhost.
func resolveStatusAddress() string {
	host := "127.0.0.1"
	port := 18790

	if cfg, err := config.LoadConfig(); err == nil {
		if cfg.Gateway.Port > 0 {
			port = cfg.Gateway.Port
		}
		if bindHost := strings.TrimSpace(cfg.Gateway.Host); bindHost != "" && bindHost != "0.0.0.0" {
			host = bindHost
		}
	}

	return host + ":" + strconv.Itoa(port)
}

func fetchStatus(address string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	response, err := client.Get("http://" + address + "/status")
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return "", err
	}

	return prettyJSON(body), nil
}

// prettyJSON re-indents the payload, passing it through untouched when it
// is not valid JSON.
func prettyJSON(body []byte) string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body) + "\n"
	}

	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return string(body) + "\n"
	}
	return string(pretty) + "\n"
}
