// Command ndsctl sends a control command to a running opennds daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"opennds-go/pkg/cmdsock"
	"opennds-go/pkg/config"
)

const usage = `Usage: ndsctl [-s socket] [-c config] <command> [args...]

Commands:
  status                 show gateway status
  clients                list clients
  json [key]             dump one or all clients as JSON
  auth <key> [minutes [uprate [downrate [upquota [downquota [custom]]]]]]
  deauth <key>           deauthenticate a client
  preauth <mac|-> <ip>   register a client
  block <key>            stop a client from authenticating
  unblock <key>          lift a block
  reload                 re-read the configuration file

A key is a client id, MAC address, IP address or token.
`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	socket := flag.String("s", "", "Path to the command socket (overrides the config file)")
	configPath := flag.String("c", "/etc/opennds/opennds.yaml", "Path to the configuration file")
	timeout := flag.Duration("t", 30*time.Second, "How long to wait for a reply")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	path := *socket
	if path == "" {
		path = config.Default().CmdSocket
		if cfg, err := config.Load(*configPath); err == nil {
			path = cfg.CmdSocket
		} else {
			log.Debug().Err(err).Str("path", *configPath).Msg("Using the default socket path")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	reply, err := cmdsock.Send(ctx, path, strings.Join(flag.Args(), " "))
	if err != nil {
		log.Fatal().Err(err).Str("socket", path).Msg("Failed to reach opennds")
	}
	fmt.Print(reply)
	if strings.HasPrefix(reply, "ERROR:") {
		os.Exit(1)
	}
}
