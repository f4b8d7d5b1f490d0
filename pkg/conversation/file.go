package conversation

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadSessionsFromFile reads a JSON or YAML array of sessions. A file holding
// a single session object is accepted as well.
func LoadSessionsFromFile(filename string) ([]*ChatSession, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(filename, ".yaml") || strings.HasSuffix(filename, ".yml") {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse %s", filename)
		}
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var s ChatSession
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrapf(err, "could not decode session from %s", filename)
		}
		return []*ChatSession{&s}, nil
	}
	return DecodeSessions(data)
}

// SaveSessionsToFile writes sessions as an indented JSON array.
func SaveSessionsToFile(filename string, sessions []*ChatSession) error {
	data, err := EncodeSessions(sessions)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// WriteYAML renders v through its JSON form, so that custom JSON encodings
// (message parts, session message order) carry over.
func WriteYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func yamlToJSON(data []byte) ([]byte, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
