package vone

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// JournalType is the type of store that uncommitted writes are journaled to.
type JournalType string

func (jt JournalType) String() string {
	return string(jt)
}

const (
	JournalNone     JournalType = "none"
	JournalInMemory JournalType = "inmem"
	JournalSQLite   JournalType = "sqlite"
	JournalSnapfile JournalType = "snapfile"
)

const (
	DefaultInstance     = "VersionOne.Web"
	DefaultScheme       = "https"
	DefaultAddress      = "localhost"
	DefaultSnapfileName = "pending.snap"
	DefaultPageSize     = 100
	DefaultTimeout      = 30 * time.Second
)

// ParseJournalType parses a string found in a connection string into a
// JournalType.
func ParseJournalType(s string) (JournalType, error) {
	sLower := strings.ToLower(s)

	switch sLower {
	case JournalNone.String(), "":
		return JournalNone, nil
	case JournalSQLite.String():
		return JournalSQLite, nil
	case JournalInMemory.String():
		return JournalInMemory, nil
	case JournalSnapfile.String():
		return JournalSnapfile, nil
	default:
		return JournalNone, fmt.Errorf("journal type not one of 'none', 'sqlite', 'snapfile', or 'inmem': %q", s)
	}
}

// Journal contains configuration settings for the store that pending writes
// are saved to when a session closes with uncommitted changes.
type Journal struct {
	// Type is the type of journal. It also determines which of the other
	// fields are valid. JournalNone disables journaling.
	Type JournalType

	// DataDir is the path on disk to a directory to store journal data in. It
	// is only applicable for JournalSQLite and JournalSnapfile.
	DataDir string

	// DataFile is the name of the snapshot file within DataDir. By default,
	// it is "pending.snap". It is only applicable for JournalSnapfile.
	DataFile string
}

// Validate returns an error if the Journal does not have the correct fields
// set for its type.
func (j Journal) Validate() error {
	switch j.Type {
	case JournalNone, JournalInMemory:
		return nil
	case JournalSQLite:
		if j.DataDir == "" {
			return fmt.Errorf("DataDir not set to path")
		}
		return nil
	case JournalSnapfile:
		if j.DataDir == "" {
			return fmt.Errorf("DataDir not set to path")
		}
		if j.DataFile == "" {
			return fmt.Errorf("DataFile not set")
		}
		return nil
	default:
		return fmt.Errorf("unknown journal type: %q", j.Type.String())
	}
}

// ParseJournalConnString parses a journal connection string of the form
// "engine:params" (or just "engine" if no other params are required) into a
// valid Journal config object.
//
// Supported journal types and a sample string for each are shown below.
// Placeholder values are between angle brackets, optional parts are between
// square brackets. Ordering of parameters does not matter.
//
//   - No journal: "none"
//   - In-memory journal: "inmem"
//   - SQLite3 DB file: "sqlite:</path/to/journal/dir>"
//   - Snapshot file: "snapfile:dir=<path/to/dir>[,file=<file-name.snap>]"
func ParseJournalConnString(s string) (Journal, error) {
	var paramStr string
	parts := strings.SplitN(s, ":", 2)

	if len(parts) == 2 {
		paramStr = strings.TrimSpace(parts[1])
	}

	eng, err := ParseJournalType(strings.TrimSpace(parts[0]))
	if err != nil {
		return Journal{}, fmt.Errorf("unsupported journal engine: %w", err)
	}

	switch eng {
	case JournalNone, JournalInMemory:
		if paramStr != "" {
			return Journal{}, fmt.Errorf("unsupported param(s) for %s journal: %s", eng, paramStr)
		}
		return Journal{Type: eng}, nil
	case JournalSQLite:
		if paramStr == "" {
			return Journal{}, fmt.Errorf("sqlite journal requires path to data directory after ':'")
		}
		return Journal{Type: JournalSQLite, DataDir: filepath.FromSlash(paramStr)}, nil
	case JournalSnapfile:
		if paramStr == "" {
			return Journal{}, fmt.Errorf("snapfile journal requires qualified path to data directory after ':'")
		}

		params, err := parseParamsMap(paramStr)
		if err != nil {
			return Journal{}, err
		}

		j := Journal{Type: JournalSnapfile}
		if val, ok := params["dir"]; ok {
			j.DataDir = filepath.FromSlash(val)
		} else {
			return Journal{}, fmt.Errorf("snapfile journal params missing qualified path to data directory in key 'dir'")
		}
		if val, ok := params["file"]; ok {
			j.DataFile = val
		} else {
			j.DataFile = DefaultSnapfileName
		}
		return j, nil
	default:
		return Journal{}, fmt.Errorf("unknown journal engine: %q", eng.String())
	}
}

func parseParamsMap(paramStr string) (map[string]string, error) {
	params := map[string]string{}
	for idx, kv := range strings.Split(paramStr, ",") {
		parsed := strings.SplitN(kv, "=", 2)
		if len(parsed) != 2 || strings.TrimSpace(parsed[0]) == "" {
			return nil, fmt.Errorf("param %d: not a kv-pair: %q", idx, kv)
		}
		params[strings.ToLower(strings.TrimSpace(parsed[0]))] = strings.TrimSpace(parsed[1])
	}

	return params, nil
}

// Server holds the options for reaching the asset server.
type Server struct {
	// InstanceURL is the full URL of the server instance, such as
	// "https://www14.v1host.com/v1sdktesting". If set, Address, Instance, and
	// Scheme are derived from it and their own values are ignored.
	InstanceURL string

	// Address is the host (and optional port) of the server.
	Address string

	// Instance is the path of the instance on the host.
	Instance string

	// Scheme is the URL scheme used to reach the server.
	Scheme string

	// Username is the name to authenticate as.
	Username string

	// Password is the password of Username, or an access token if
	// UsePasswordAsToken is set.
	Password string

	// UsePasswordAsToken sends Password as a bearer token instead of using
	// basic authentication.
	UsePasswordAsToken bool

	// UseOAuthPath uses the token-enabled REST path. Some on-premise installs
	// do not accept tokens on the usual path.
	UseOAuthPath bool

	// TimeoutMillis is how long a single request may take before it is
	// abandoned. Defaults to 30 seconds.
	TimeoutMillis int
}

// BaseURL returns the URL of the server instance that all API paths are
// relative to. It never ends with a slash.
func (s Server) BaseURL() (string, error) {
	if s.InstanceURL != "" {
		u, err := url.Parse(s.InstanceURL)
		if err != nil {
			return "", fmt.Errorf("instance URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("instance URL must include scheme and host: %q", s.InstanceURL)
		}
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawQuery = ""
		u.Fragment = ""
		return u.String(), nil
	}

	if s.Address == "" {
		return "", fmt.Errorf("address not set")
	}

	u := url.URL{
		Scheme: s.Scheme,
		Host:   s.Address,
	}
	inst := strings.Trim(s.Instance, "/")
	if inst != "" {
		u.Path = "/" + inst
	}
	return u.String(), nil
}

// AssetDetailURL returns the URL of the server's web page for the asset.
func (s Server) AssetDetailURL(oid Oid) (string, error) {
	if oid.IsZero() {
		return "", NewError("asset oid is empty", ErrBadArgument)
	}
	base, err := s.BaseURL()
	if err != nil {
		return "", err
	}
	return base + "/assetdetail.v1?" + url.Values{"oid": {oid.String()}}.Encode(), nil
}

// RESTPath returns the name of the REST data API path segment.
func (s Server) RESTPath() string {
	if s.UseOAuthPath {
		return "rest-1.oauth.v1"
	}
	return "rest-1.v1"
}

// Timeout returns TimeoutMillis as a time.Duration.
func (s Server) Timeout() time.Duration {
	if s.TimeoutMillis < 1 {
		return DefaultTimeout
	}
	return time.Millisecond * time.Duration(s.TimeoutMillis)
}

// Log contains logging options.
type Log struct {
	// Enabled is whether to enable built-in logging statements.
	Enabled bool

	// Provider must be the name of one of the logging providers. If set to
	// NoLog or unset, it will default to Jellog.
	Provider LogProvider

	// File to log to. If not set, all logging will be done to stderr and it
	// will display all logging statements. If set, the file will receive all
	// levels of log messages and stderr will show only those of Info level or
	// higher.
	File string
}

// Config is a configuration for a session. It contains all parameters that
// can be used to configure how the session reaches the server and where it
// keeps uncommitted writes.
type Config struct {
	Server  Server
	Log     Log
	Journal Journal

	// PageSize is the window size used by tools that page through query
	// results when the caller does not give one.
	PageSize int
}

// FillDefaults returns a new Config identitical to cfg but with unset values
// set to their defaults.
func (cfg Config) FillDefaults() Config {
	newCFG := cfg

	if newCFG.Server.InstanceURL == "" {
		if newCFG.Server.Address == "" {
			newCFG.Server.Address = DefaultAddress
		}
		if newCFG.Server.Instance == "" {
			newCFG.Server.Instance = DefaultInstance
		}
		if newCFG.Server.Scheme == "" {
			newCFG.Server.Scheme = DefaultScheme
		}
	}
	if newCFG.Server.TimeoutMillis == 0 {
		newCFG.Server.TimeoutMillis = int(DefaultTimeout / time.Millisecond)
	}
	if newCFG.Log.Provider == NoLog {
		newCFG.Log.Provider = Jellog
	}
	if newCFG.Journal.Type == "" {
		newCFG.Journal.Type = JournalNone
	}
	if newCFG.Journal.Type == JournalSnapfile && newCFG.Journal.DataFile == "" {
		newCFG.Journal.DataFile = DefaultSnapfileName
	}
	if newCFG.PageSize == 0 {
		newCFG.PageSize = DefaultPageSize
	}

	return newCFG
}

// Validate returns an error if the Config has invalid field values set. Empty
// and unset values are considered invalid; if defaults are intended to be used,
// call Validate on the return value of FillDefaults.
func (cfg Config) Validate() error {
	if _, err := cfg.Server.BaseURL(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if cfg.Server.UsePasswordAsToken && cfg.Server.Password == "" {
		return fmt.Errorf("server: token auth requires a password to use as the token")
	}
	if cfg.Server.TimeoutMillis < 0 {
		return fmt.Errorf("server: timeout must not be negative")
	}
	if cfg.Log.Enabled && cfg.Log.Provider == NoLog {
		return fmt.Errorf("log: provider must not be empty")
	}
	if err := cfg.Journal.Validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	if cfg.PageSize < 1 {
		return fmt.Errorf("page size: must be at least 1, but is %d", cfg.PageSize)
	}

	return nil
}
