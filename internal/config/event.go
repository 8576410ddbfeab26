package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bunnyhop/internal/scoring"
)

const eventDateLayout = "2006-01-02"

// Event is the static description of the event day: when it runs and which
// segments score.
type Event struct {
	Name        string          `yaml:"event_name"`
	Tagline     string          `yaml:"tagline"`
	Description string          `yaml:"description"`
	Date        time.Time       `yaml:"-"`
	Segments    scoring.Catalog `yaml:"segments"`
}

type eventFile struct {
	Event `yaml:",inline"`
	Date  string `yaml:"event_date"`
}

// LoadEvent parses and validates an event YAML document.
func LoadEvent(r io.Reader) (Event, error) {
	var raw eventFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, fmt.Errorf("event config is empty")
		}
		return Event{}, fmt.Errorf("decode event config: %w", err)
	}

	event := raw.Event
	event.Name = strings.TrimSpace(event.Name)
	if event.Name == "" {
		return Event{}, fmt.Errorf("event_name is required")
	}
	date, err := time.ParseInLocation(eventDateLayout, strings.TrimSpace(raw.Date), time.UTC)
	if err != nil {
		return Event{}, fmt.Errorf("event_date must be YYYY-MM-DD: %w", err)
	}
	event.Date = date
	if len(event.Segments) == 0 {
		return Event{}, fmt.Errorf("at least one segment is required")
	}
	if err := event.Segments.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}

func LoadEventFile(path string) (Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return Event{}, fmt.Errorf("open event config: %w", err)
	}
	defer file.Close()
	return LoadEvent(file)
}
