package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dekarrin/vone"
	"gopkg.in/yaml.v3"
)

type marshaledServer struct {
	InstanceURL        string `yaml:"instance_url,omitempty" json:"instance_url,omitempty"`
	Address            string `yaml:"address,omitempty" json:"address,omitempty"`
	Instance           string `yaml:"instance,omitempty" json:"instance,omitempty"`
	Scheme             string `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	Username           string `yaml:"username,omitempty" json:"username,omitempty"`
	Password           string `yaml:"password,omitempty" json:"password,omitempty"`
	UsePasswordAsToken bool   `yaml:"use_password_as_token,omitempty" json:"use_password_as_token,omitempty"`
	UseOAuthPath       bool   `yaml:"use_oauth_path,omitempty" json:"use_oauth_path,omitempty"`
	Timeout            int    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

type marshaledLog struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Provider string `yaml:"provider" json:"provider"`
	File     string `yaml:"file,omitempty" json:"file,omitempty"`
}

// marshaledJournal is read from either a connection string or a mapping.
type marshaledJournal struct {
	Type string `yaml:"type" json:"type"`
	Dir  string `yaml:"dir,omitempty" json:"dir,omitempty"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	connString string
}

type marshaledConfig struct {
	Server   marshaledServer   `yaml:"server" json:"server"`
	Log      marshaledLog      `yaml:"log" json:"log"`
	Journal  *marshaledJournal `yaml:"journal,omitempty" json:"journal,omitempty"`
	PageSize int               `yaml:"page_size,omitempty" json:"page_size,omitempty"`
}

// journalFields exists so the mapping form can be decoded without recursing
// into marshaledJournal's own Unmarshal methods.
type journalFields struct {
	Type string `yaml:"type" json:"type"`
	Dir  string `yaml:"dir" json:"dir"`
	File string `yaml:"file" json:"file"`
}

func (mj *marshaledJournal) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		*mj = marshaledJournal{connString: s}
		return nil
	}

	var f journalFields
	if err := n.Decode(&f); err != nil {
		return err
	}
	*mj = marshaledJournal{Type: f.Type, Dir: f.Dir, File: f.File}
	return nil
}

func (mj *marshaledJournal) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*mj = marshaledJournal{connString: s}
		return nil
	}

	var f journalFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*mj = marshaledJournal{Type: f.Type, Dir: f.Dir, File: f.File}
	return nil
}

// unmarshalConfig completely replaces all attributes of cfg.
//
// does no validation except that which is required for parsing.
func unmarshalConfig(cfg *vone.Config, m marshaledConfig) error {
	unmarshalServer(&cfg.Server, m.Server)

	if err := unmarshalLog(&cfg.Log, m.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	cfg.Journal = vone.Journal{}
	if m.Journal != nil {
		if err := unmarshalJournal(&cfg.Journal, *m.Journal); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}

	cfg.PageSize = m.PageSize

	return nil
}

func marshalConfig(cfg vone.Config) marshaledConfig {
	mc := marshaledConfig{
		Server:   marshalServer(cfg.Server),
		Log:      marshalLog(cfg.Log),
		PageSize: cfg.PageSize,
	}
	if cfg.Journal.Type != "" {
		mj := marshalJournal(cfg.Journal)
		mc.Journal = &mj
	}
	return mc
}

func unmarshalServer(s *vone.Server, m marshaledServer) {
	*s = vone.Server{
		InstanceURL:        m.InstanceURL,
		Address:            m.Address,
		Instance:           m.Instance,
		Scheme:             m.Scheme,
		Username:           m.Username,
		Password:           m.Password,
		UsePasswordAsToken: m.UsePasswordAsToken,
		UseOAuthPath:       m.UseOAuthPath,
		TimeoutMillis:      m.Timeout,
	}
}

func marshalServer(s vone.Server) marshaledServer {
	return marshaledServer{
		InstanceURL:        s.InstanceURL,
		Address:            s.Address,
		Instance:           s.Instance,
		Scheme:             s.Scheme,
		Username:           s.Username,
		Password:           s.Password,
		UsePasswordAsToken: s.UsePasswordAsToken,
		UseOAuthPath:       s.UseOAuthPath,
		Timeout:            s.TimeoutMillis,
	}
}

// unmarshalLog completely replaces all attributes.
//
// does no validation except that which is required for parsing.
func unmarshalLog(log *vone.Log, m marshaledLog) error {
	var err error

	log.Enabled = m.Enabled
	log.Provider, err = vone.ParseLogProvider(m.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	log.File = m.File

	return nil
}

// marshalLog returns the marshaledLog that would re-create log if passed to
// unmarshalLog.
func marshalLog(log vone.Log) marshaledLog {
	return marshaledLog{
		Enabled:  log.Enabled,
		Provider: log.Provider.String(),
		File:     log.File,
	}
}

func unmarshalJournal(j *vone.Journal, m marshaledJournal) error {
	if m.connString != "" {
		parsed, err := vone.ParseJournalConnString(m.connString)
		if err != nil {
			return err
		}
		*j = parsed
		return nil
	}

	var err error
	j.Type, err = vone.ParseJournalType(m.Type)
	if err != nil {
		return fmt.Errorf("type: %w", err)
	}
	j.DataDir = filepath.FromSlash(m.Dir)
	j.DataFile = m.File

	return nil
}

func marshalJournal(j vone.Journal) marshaledJournal {
	return marshaledJournal{
		Type: j.Type.String(),
		Dir:  filepath.ToSlash(j.DataDir),
		File: j.DataFile,
	}
}
