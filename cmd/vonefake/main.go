/*
Vonefake serves a fake asset server loaded from a YAML fixture file. It speaks
the same REST/XML protocol as a real server, which makes it useful for trying
out the vone command and for development without a real instance.

Usage:

	vonefake [flags] FIXTURE

Once started, the server answers under /{instance}/rest-1.v1/Data,
/{instance}/rest-1.oauth.v1/Data and /{instance}/meta.v1 until it receives
SIGINT.

The flags are:

	-a, --address ADDR
		Listen on the given address. Defaults to all interfaces.

	-p, --port PORT
		Listen on the given port instead of 8080.

	-i, --instance NAME
		Serve under the given instance path instead of "VersionOne.Web".

	-u, --user NAME:PASSWORD
		Require login and accept the given user. May be given more than once.

	--token-secret SECRET
		Accept bearer tokens signed with SECRET. Tokens for every user given
		with --user are printed at startup.

	--token-ttl DURATION
		How long printed tokens are valid for. Defaults to 24h.

	-l, --log-file PATH
		Also write the log to the given file.

	-v, --verbose
		Log every route at startup.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/logging"
	"github.com/dekarrin/vone/internal/vsort"
	"github.com/dekarrin/vone/server"
	"github.com/dekarrin/vone/wire/inmem"
	"github.com/spf13/pflag"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitPanic     = 2
	exitInterrupt = 3
)

var exitCode int

var (
	flagAddress     = pflag.StringP("address", "a", "", "Address to listen on")
	flagPort        = pflag.IntP("port", "p", 8080, "Port to listen on")
	flagInstance    = pflag.StringP("instance", "i", vone.DefaultInstance, "Instance path to serve under")
	flagUsers       = pflag.StringArrayP("user", "u", nil, "NAME:PASSWORD of a user to accept")
	flagTokenSecret = pflag.String("token-secret", "", "Key to sign and check bearer tokens with")
	flagTokenTTL    = pflag.Duration("token-ttl", 24*time.Hour, "Lifetime of printed tokens")
	flagLogFile     = pflag.StringP("log-file", "l", "", "File to also write the log to")
	flagVerbose     = pflag.BoolP("verbose", "v", false, "Log every route at startup")
)

func main() {
	ctx := context.Background()
	ctx, cancelMainContext := context.WithCancel(ctx)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	defer func() {
		signal.Stop(signalChan)
		cancelMainContext()
	}()
	// listen for signals
	go func() {
		select {
		case <-signalChan: // first signal, cancel context
			cancelMainContext()
		case <-ctx.Done():
		}

		<-signalChan // second signal, hard exit
		os.Exit(exitInterrupt)
	}()

	defer func() {
		if panicErr := recover(); panicErr != nil {
			fmt.Fprintf(os.Stderr, "fatal panic: %v\n", panicErr)
			exitCode = exitPanic
		}
		os.Exit(exitCode)
	}()

	pflag.Parse()
	if pflag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "ERROR: need exactly one fixture file\n")
		pflag.Usage()
		exitCode = exitError
		return
	}

	logger, err := logging.New(vone.Jellog, *flagLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	logger.Infof("Loading fixture %s...", pflag.Arg(0))
	svc, err := inmem.LoadFixtureFile(pflag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	cfg, passwords, err := serverConfig(*flagAddress, *flagPort, *flagInstance, *flagUsers, *flagTokenSecret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	srv, err := server.New(svc, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		exitCode = exitError
		return
	}

	if *flagVerbose {
		logger.Debugf("Routes:\n%s", srv.RoutesIndex())
	}
	if len(cfg.TokenSecret) > 0 {
		for _, user := range sortedKeys(passwords) {
			tok, err := server.IssueToken(cfg.TokenSecret, user, *flagTokenTTL)
			if err != nil {
				logger.Warnf("Could not issue token for %s: %v", user, err)
				continue
			}
			logger.Infof("Bearer token for %s: %s", user, tok)
		}
	}

	logger.Info("Starting server...")

	go func() {
		err := srv.ServeForever()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("Server shutdown by request")
		} else {
			logger.Errorf("Server encountered a problem: %v", err)
			cancelMainContext()
		}
	}()

	logger.Info("Fake server started; Ctrl-C (SIGINT) to stop")

	<-ctx.Done()

	logger.InfoBreak()
	logger.Info("Cleaning up server...")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn(err.Error())
	}
	logger.Info("Server shutdown complete")
}

// serverConfig builds the server config from the command line. users are
// NAME:PASSWORD pairs; the returned map gives the password of each.
func serverConfig(address string, port int, instance string, users []string, tokenSecret string) (server.Config, map[string]string, error) {
	cfg := server.Config{
		Address:     address,
		Port:        port,
		Instance:    instance,
		UnauthDelay: time.Second,
	}
	if port < 1 || port > 65535 {
		return cfg, nil, fmt.Errorf("port must be between 1 and 65535, but is %d", port)
	}

	passwords := make(map[string]string, len(users))
	if len(users) > 0 {
		cfg.Users = make(map[string]string, len(users))
	}
	for _, u := range users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" || pass == "" {
			return cfg, nil, fmt.Errorf("user %q is not NAME:PASSWORD", u)
		}
		if _, dup := passwords[name]; dup {
			return cfg, nil, fmt.Errorf("user %q given more than once", name)
		}
		hash, err := server.HashPassword(pass)
		if err != nil {
			return cfg, nil, fmt.Errorf("user %q: %w", name, err)
		}
		cfg.Users[name] = hash
		passwords[name] = pass
	}

	if tokenSecret != "" {
		cfg.TokenSecret = []byte(tokenSecret)
	}

	return cfg, passwords, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return vsort.By(keys, func(l, r string) bool {
		return l < r
	})
}
