/*
Vone reads and writes assets on a server from the command line.

Usage:

	vone [flags] COMMAND [command flags] ARGS...

The commands are:

	get OID [ATTR...]
		Print the attributes of an asset. With no ATTR given, the server's
		default attribute set is printed.

	set OID ATTR=VALUE...
		Change attributes of an asset and commit the change. "ATTR=" sets the
		attribute to null and "ATTR:=Type:ID[,Type:ID...]" sets a relation.

	query TYPE [--select F,...] [--where ATTR=VALUE]... [--find TEXT
	[--findin F]] [--sort F,...] [--page-size N] [--limit N]
		Print every asset of the given type that matches.

	op OID OPERATION
		Run a server-side operation on an asset.

	meta TYPE
		Print the attribute definitions and operations of an asset type.

	url OID
		Print the address of the asset's page on the server.

	commit
		Commit the pending writes saved in the journal by earlier runs.

The flags are:

	-c, --config PATH
		Use the given file for the configuration instead of './vone.yml'. The
		file must be in JSON or YAML format. If the default file does not
		exist, built-in defaults are used.

	-s, --server URL
		Use the given instance URL instead of the one in the configuration.

	-u, --user NAME
		Log in as the given user.

	-p, --password PASS
		Log in with the given password, or token if --token is also given.

	--token
		Send the password as a bearer token.

	-v, --verbose
		Log requests to stderr.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

const (
	exitSuccess   = 0
	exitError     = 1
	exitPanic     = 2
	exitInterrupt = 3
	exitUsage     = 4
)

var exitCode int

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

	exitCode = run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
