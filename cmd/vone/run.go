package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/asset"
	"github.com/dekarrin/vone/config"
	"github.com/dekarrin/vone/internal/vsort"
	"github.com/dekarrin/vone/session"
	"github.com/dekarrin/vone/wire/httpwire"
	"github.com/spf13/pflag"
)

const defaultConfigFile = "vone.yml"

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, s *session.Session, args []string, out io.Writer) error
}

var commands = []command{
	{name: "get", usage: "get OID [ATTR...]", run: cmdGet},
	{name: "set", usage: "set OID ATTR=VALUE...", run: cmdSet},
	{name: "query", usage: "query TYPE [flags]", run: cmdQuery},
	{name: "op", usage: "op OID OPERATION", run: cmdOp},
	{name: "meta", usage: "meta TYPE", run: cmdMeta},
	{name: "url", usage: "url OID", run: cmdURL},
	{name: "commit", usage: "commit", run: cmdCommit},
}

// usageError is returned by commands that were given bad arguments.
type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}

func usageErrorf(format string, a ...interface{}) error {
	return usageError{msg: fmt.Sprintf(format, a...)}
}

// run executes one invocation of vone and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("vone", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: vone [flags] COMMAND [ARGS...]\n\nCommands:\n")
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %s\n", c.usage)
		}
		fmt.Fprintf(stderr, "\nFlags:\n%s", flags.FlagUsages())
	}

	flagConf := flags.StringP("config", "c", defaultConfigFile, "Path to configuration file")
	flagServer := flags.StringP("server", "s", "", "Instance URL of the server")
	flagUser := flags.StringP("user", "u", "", "Username to log in with")
	flagPass := flags.StringP("password", "p", "", "Password (or token) to log in with")
	flagToken := flags.Bool("token", false, "Send the password as a bearer token")
	flagVerbose := flags.BoolP("verbose", "v", false, "Log requests to stderr")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitSuccess
		}
		return exitUsage
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return exitUsage
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == flags.Arg(0) {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "ERROR: unknown command %q\n", flags.Arg(0))
		flags.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*flagConf, flags.Changed("config"))
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return exitError
	}
	if *flagServer != "" {
		cfg.Server.InstanceURL = *flagServer
	}
	if *flagUser != "" {
		cfg.Server.Username = *flagUser
	}
	if *flagPass != "" {
		cfg.Server.Password = *flagPass
	}
	if *flagToken {
		cfg.Server.UsePasswordAsToken = true
	}
	if *flagVerbose {
		cfg.Log.Enabled = true
		cfg.Log.Provider = vone.Jellog
		cfg.Log.File = ""
	}

	s, err := session.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err.Error())
		return exitError
	}

	cmdErr := cmd.run(ctx, s, flags.Args()[1:], stdout)

	if err := s.Close(context.Background()); err != nil {
		fmt.Fprintf(stderr, "WARN: %s\n", err.Error())
	}

	if cmdErr != nil {
		var ue usageError
		if errors.As(cmdErr, &ue) {
			fmt.Fprintf(stderr, "ERROR: %s\nUsage: vone %s\n", ue.msg, cmd.usage)
			return exitUsage
		}
		if httpwire.IsTimeout(cmdErr) {
			fmt.Fprintf(stderr, "ERROR: server did not respond in time: %s\n", cmdErr.Error())
			return exitError
		}
		if errors.Is(cmdErr, context.Canceled) {
			return exitInterrupt
		}
		fmt.Fprintf(stderr, "ERROR: %s\n", cmdErr.Error())
		return exitError
	}
	return exitSuccess
}

// loadConfig loads the config file. A missing file is only an error if the
// user named it explicitly.
func loadConfig(file string, explicit bool) (vone.Config, error) {
	cfg, err := config.Load(file)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return vone.Config{}, nil
		}
		return vone.Config{}, err
	}
	return cfg, nil
}

func cmdGet(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) < 1 {
		return usageErrorf("no asset given")
	}
	p, err := assetArg(s, args[0])
	if err != nil {
		return err
	}

	attrs := args[1:]
	if len(attrs) == 0 {
		if err := p.Refresh(ctx); err != nil {
			return err
		}
		printValues(out, p.Data())
		return nil
	}

	values := make(map[string]vone.Value, len(attrs))
	for _, a := range attrs {
		v, err := p.Get(ctx, a)
		if err != nil {
			return err
		}
		values[a] = v
	}
	printValues(out, values)
	return nil
}

func cmdSet(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) < 2 {
		return usageErrorf("need an asset and at least one ATTR=VALUE")
	}
	p, err := assetArg(s, args[0])
	if err != nil {
		return err
	}

	changes := make(map[string]vone.Value, len(args)-1)
	for _, a := range args[1:] {
		name, v, err := parseAssignment(a)
		if err != nil {
			return err
		}
		changes[name] = v
	}

	if err := p.SetMany(changes); err != nil {
		return err
	}
	if err := p.Commit(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "updated %s\n", p.Oid())
	return nil
}

func cmdQuery(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("query", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flagSelect := flags.StringSlice("select", nil, "Fields to return")
	flagWhere := flags.StringArray("where", nil, "ATTR=VALUE filter; may be repeated")
	flagFind := flags.String("find", "", "Text to search for")
	flagFindIn := flags.String("findin", "", "Field to search in")
	flagSort := flags.StringSlice("sort", nil, "Fields to sort by; prefix with - for descending")
	flagPageSize := flags.Int("page-size", s.Config().PageSize, "Results fetched per request")
	flagLimit := flags.Int("limit", 0, "Maximum number of results")

	if err := flags.Parse(args); err != nil {
		return usageErrorf("%s", err.Error())
	}
	if flags.NArg() != 1 {
		return usageErrorf("need exactly one asset type")
	}

	q := s.Query(flags.Arg(0)).Page(*flagPageSize, 0).Limit(*flagLimit)
	if len(*flagSelect) > 0 {
		q = q.Select(*flagSelect...)
	}
	for _, w := range *flagWhere {
		attr, val, ok := strings.Cut(w, "=")
		if !ok || attr == "" {
			return usageErrorf("where term %q is not ATTR=VALUE", w)
		}
		q = q.Where(attr, val)
	}
	if *flagFind != "" {
		q = q.Find(*flagFind, *flagFindIn)
	}
	if len(*flagSort) > 0 {
		q = q.Sort(*flagSort...)
	}

	s.Logger().Debugf("running %s", q.String())

	n := 0
	it := q.Iter()
	for it.Next(ctx) {
		p := it.Proxy()
		fmt.Fprintf(out, "%s\n", p.Oid())
		printValuesIndented(out, p.Data(), "  ")
		n++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d result(s))\n", n)
	return nil
}

func cmdOp(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) != 2 {
		return usageErrorf("need an asset and an operation")
	}
	p, err := assetArg(s, args[0])
	if err != nil {
		return err
	}
	if err := p.ExecuteOperation(ctx, args[1]); err != nil {
		return err
	}
	fmt.Fprintf(out, "ran %s on %s\n", args[1], p.Oid())
	return nil
}

func cmdMeta(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usageErrorf("need exactly one asset type")
	}
	at, err := s.Schema(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s\n", at.Name)
	for _, name := range at.AttributeNames() {
		a := at.Attributes[name]
		var notes []string
		if a.RelatedType != "" {
			notes = append(notes, "-> "+a.RelatedType)
		}
		if a.IsMultiValue {
			notes = append(notes, "multi")
		}
		if a.IsRequired {
			notes = append(notes, "required")
		}
		if a.IsReadOnly {
			notes = append(notes, "readonly")
		}
		fmt.Fprintf(out, "  %s %s", a.Name, a.Type)
		if len(notes) > 0 {
			fmt.Fprintf(out, " (%s)", strings.Join(notes, ", "))
		}
		fmt.Fprintln(out)
	}
	for _, op := range at.Operations {
		fmt.Fprintf(out, "  op %s\n", op)
	}
	return nil
}

func cmdURL(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) != 1 {
		return usageErrorf("need exactly one asset")
	}
	oid, err := vone.ParseOid(args[0])
	if err != nil {
		return usageErrorf("%s", err.Error())
	}

	u, err := s.URL(oid)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, u)
	return nil
}

func cmdCommit(ctx context.Context, s *session.Session, args []string, out io.Writer) error {
	if len(args) != 0 {
		return usageErrorf("commit takes no arguments")
	}
	dirty := s.Registry().Dirty()
	if len(dirty) == 0 {
		fmt.Fprintln(out, "nothing to commit")
		return nil
	}
	if err := s.CommitAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "committed %d asset(s)\n", len(dirty))
	return nil
}

func assetArg(s *session.Session, arg string) (*asset.Proxy, error) {
	oid, err := vone.ParseOid(arg)
	if err != nil {
		return nil, usageErrorf("%s", err.Error())
	}
	return s.Asset(oid)
}

// parseAssignment parses "ATTR=VALUE", "ATTR=" and "ATTR:=OID[,OID...]".
func parseAssignment(s string) (string, vone.Value, error) {
	if name, refs, ok := strings.Cut(s, ":="); ok && !strings.Contains(name, "=") {
		if name == "" {
			return "", vone.Null(), usageErrorf("%q has no attribute name", s)
		}
		if refs == "" {
			return name, vone.Null(), nil
		}
		var oids []vone.Oid
		for _, r := range strings.Split(refs, ",") {
			oid, err := vone.ParseOid(strings.TrimSpace(r))
			if err != nil {
				return "", vone.Null(), usageErrorf("%s: %s", name, err.Error())
			}
			oids = append(oids, oid)
		}
		if len(oids) == 1 {
			return name, vone.Ref(oids[0]), nil
		}
		return name, vone.Refs(oids...), nil
	}

	name, val, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", vone.Null(), usageErrorf("%q is not ATTR=VALUE", s)
	}
	if val == "" {
		return name, vone.Null(), nil
	}
	return name, vone.Text(val), nil
}

func printValues(out io.Writer, values map[string]vone.Value) {
	printValuesIndented(out, values, "")
}

func printValuesIndented(out io.Writer, values map[string]vone.Value, indent string) {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	names = vsort.By(names, func(l, r string) bool {
		return l < r
	})

	for _, k := range names {
		fmt.Fprintf(out, "%s%s: %s\n", indent, k, values[k].String())
	}
}
