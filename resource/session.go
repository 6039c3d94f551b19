package resource

import (
	"os"
	"runtime"

	"pkt.systems/reportsync/internal/version"
)

// Session describes the run that produced a batch of items.
type Session struct {
	Base
	Hostname    string
	Platform    string
	Application string
	Version     string
}

// NewSession returns an unsaved session describing the current process.
func NewSession(application string) *Session {
	host, _ := os.Hostname()
	if limit := jsonKeyLimits[KindSession]["hostname"]; len([]rune(host)) > limit {
		host = string([]rune(host)[:limit])
	}
	if application == "" {
		application = "reportsync"
	}
	return &Session{
		Base:        newBase(),
		Hostname:    host,
		Platform:    runtime.GOOS + "_" + runtime.GOARCH,
		Application: application,
		Version:     version.Short(jsonKeyLimits[KindSession]["version"]),
	}
}

func (s *Session) Kind() Kind { return KindSession }

func (s *Session) Fields(APIVersion) (map[string]any, error) {
	fields := s.baseFields()
	fields["hostname"] = s.Hostname
	fields["platform"] = s.Platform
	fields["application"] = s.Application
	fields["version"] = s.Version
	return fields, nil
}

func (s *Session) Load(fields map[string]any, _ APIVersion) error {
	if err := s.loadBase(fields); err != nil {
		return err
	}
	s.Hostname = stringField(fields, "hostname")
	s.Platform = stringField(fields, "platform")
	s.Application = stringField(fields, "application")
	s.Version = stringField(fields, "version")
	return nil
}

// Dataset describes the data an item was derived from.
type Dataset struct {
	Base
	Filename    string
	Dirname     string
	Format      string
	NumParts    int
	NumElements int
}

// NewDataset returns an unsaved placeholder dataset.
func NewDataset() *Dataset {
	return &Dataset{Base: newBase(), Filename: "none", Format: "none"}
}

func (d *Dataset) Kind() Kind { return KindDataset }

func (d *Dataset) Fields(APIVersion) (map[string]any, error) {
	fields := d.baseFields()
	fields["filename"] = d.Filename
	fields["dirname"] = d.Dirname
	fields["format"] = d.Format
	fields["numparts"] = d.NumParts
	fields["numelements"] = d.NumElements
	return fields, nil
}

func (d *Dataset) Load(fields map[string]any, _ APIVersion) error {
	if err := d.loadBase(fields); err != nil {
		return err
	}
	d.Filename = stringField(fields, "filename")
	d.Dirname = stringField(fields, "dirname")
	d.Format = stringField(fields, "format")
	d.NumParts = intField(fields, "numparts")
	d.NumElements = intField(fields, "numelements")
	return nil
}
