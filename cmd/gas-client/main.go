package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	gashttp "github.com/gomaluum/gas/pkg/http"
	"github.com/gomaluum/gas/pkg/logger"
	"github.com/gomaluum/gas/pkg/runutil"
	"github.com/gomaluum/gas/pkg/server"
)

func main() {
	opt := &Options{
		Server:  "http://localhost:9001",
		Timeout: 60 * time.Second,
	}
	cmd := &cobra.Command{
		Short:        "Log in to the i-Ma'luum portal through a gas-server.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opt.Run()
		},
	}

	cmd.Flags().StringVar(&opt.Server, "server", opt.Server, "The gas-server endpoint to log in through.")
	cmd.Flags().StringVar(&opt.Token, "token", opt.Token, "The service bearer token to authenticate to the gas-server.")
	cmd.Flags().StringVar(&opt.Username, "username", opt.Username, "The portal username.")
	cmd.Flags().StringVar(&opt.Password, "password", opt.Password, "The portal password.")
	cmd.Flags().DurationVar(&opt.Timeout, "timeout", opt.Timeout, "The overall budget for the login call. The portal is slow; keep this generous.")
	cmd.Flags().StringVar(&opt.LogLevel, "log-level", opt.LogLevel, "Log filtering level. e.g info, debug, warn, error")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type Options struct {
	Server   string
	Token    string
	Username string
	Password string
	Timeout  time.Duration
	LogLevel string
}

func (o *Options) Run() error {
	l := logger.New(o.LogLevel)

	if len(o.Token) == 0 {
		return fmt.Errorf("you must specify a service bearer token with --token")
	}
	if len(o.Username) == 0 || len(o.Password) == 0 {
		return fmt.Errorf("you must specify both --username and --password")
	}

	endpoint, err := url.Parse(o.Server)
	if err != nil {
		return fmt.Errorf("--server is not a valid URL: %v", err)
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/v1/login"

	client := &http.Client{
		Timeout:   o.Timeout,
		Transport: gashttp.NewBearerRoundTripper(o.Token, http.DefaultTransport),
	}

	body, err := json.Marshal(server.LoginRequest{Username: o.Username, Password: o.Password})
	if err != nil {
		return err
	}

	res, err := client.Post(endpoint.String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("login request failed: %v", err)
	}
	defer runutil.ExhaustCloseWithLogOnErr(l, res.Body, "close login response body")

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("server rejected login with code %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var lr server.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode login response: %v", err)
	}

	level.Info(l).Log("msg", "login successful", "user", lr.Username)
	fmt.Println(lr.Token)
	return nil
}
