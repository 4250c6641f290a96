// oscsend is a small client for the osc2vmix bridge.
//
// It either sends a single OSC message over UDP, the way a control surface
// would, or submits the same message through the bridge's unix socket and
// reports the queued delivery id.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/spf13/cobra"
)

const (
	defaultTarget     = "127.0.0.1:9000"
	defaultSocketPath = "/tmp/osc2vmix.sock"
	ipcTimeout        = 5 * time.Second
)

// IPCRequest and IPCResponse are duplicated here to keep the binary standalone.
type IPCRequest struct {
	Address string `json:"address"`
	Args    []any  `json:"args,omitempty"`
}

type IPCResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

var (
	target      string
	socketPath  string
	forceString bool
)

var rootCmd = &cobra.Command{
	Use:           "oscsend",
	Short:         "Send commands to the osc2vmix bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var oscCmd = &cobra.Command{
	Use:   "osc ADDRESS [ARGS...]",
	Short: "Send one OSC message over UDP",
	Long: `Send one OSC message to the bridge's UDP listener.

Arguments are sent as int32 when they parse as integers, float32 when they
parse as floats, and strings otherwise. Use --strings to send every argument
as a string (for input names such as "2").`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := buildMessage(args[0], args[1:], forceString)
		if err != nil {
			return err
		}
		if err := sendOSC(target, msg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", msg.Address, target)
		return nil
	},
}

var ipcCmd = &cobra.Command{
	Use:   "ipc ADDRESS [ARGS...]",
	Short: "Submit a message through the bridge's unix socket",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := IPCRequest{Address: args[0], Args: typedArgs(args[1:], forceString)}
		resp, err := sendIPC(socketPath, req)
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("bridge rejected %s: %s", req.Address, resp.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", resp.DeliveryID)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&forceString, "strings", false, "Send every argument as a string")
	oscCmd.Flags().StringVar(&target, "target", defaultTarget, "Bridge OSC listen address (host:port)")
	ipcCmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath, "Bridge IPC socket path")
	rootCmd.AddCommand(oscCmd, ipcCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// typedArgs converts command line words to int32, float32 or string.
func typedArgs(words []string, asString bool) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		if asString {
			out = append(out, w)
			continue
		}
		if i, err := strconv.ParseInt(w, 10, 32); err == nil {
			out = append(out, int32(i))
			continue
		}
		if f, err := strconv.ParseFloat(w, 32); err == nil {
			out = append(out, float32(f))
			continue
		}
		out = append(out, w)
	}
	return out
}

func buildMessage(address string, words []string, asString bool) (*osc.Message, error) {
	if !strings.HasPrefix(address, "/") {
		return nil, fmt.Errorf("OSC address must start with '/': %q", address)
	}
	return osc.NewMessage(address, typedArgs(words, asString)...), nil
}

func sendOSC(addr string, msg *osc.Message) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid target port %q: %w", portStr, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if err := osc.NewClient(host, port).Send(msg); err != nil {
		return fmt.Errorf("send OSC message: %w", err)
	}
	return nil
}

func sendIPC(path string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", path, ipcTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcTimeout))

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return IPCResponse{}, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return IPCResponse{}, fmt.Errorf("failed to read response: %w", err)
	}
	var resp IPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return IPCResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}
