package scripts

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/plk-sync/hissync/pkg/errors"
)

// maxScriptSize bounds a registry response.
const maxScriptSize = 4 << 20

// Getter issues GET requests. *clients.HTTPClient satisfies it.
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error)
}

// Registry fetches scripts from GET <BaseURL>/<name>.
type Registry struct {
	BaseURL string
	Client  Getter
}

type remoteScript struct {
	SQL      *string          `json:"sql"`
	Activate bool             `json:"activate"`
	Data     *json.RawMessage `json:"data"`
}

// Fetch downloads the script called name. A JSON response carries the SQL
// and its activate flag, either at the top level or under "data"; any other
// response body is the SQL text itself and the script is active.
func (r Registry) Fetch(ctx context.Context, name string) (Script, error) {
	name, err := Normalize(name)
	if err != nil {
		return Script{}, err
	}
	if strings.TrimSpace(r.BaseURL) == "" {
		return Script{}, errors.New(errors.ErrorTypeConfig, "script registry url is not configured")
	}

	url := strings.TrimRight(r.BaseURL, "/") + "/" + name
	resp, err := r.Client.Get(ctx, url, map[string]string{"Accept": "application/json, text/plain"})
	if err != nil {
		return Script{}, errors.Wrap(err, errors.ErrorTypeConnection, "fetch script").WithDetail("url", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize))
	if err != nil {
		return Script{}, errors.Wrap(err, errors.ErrorTypeConnection, "read script").WithDetail("url", url)
	}
	if resp.StatusCode >= 300 {
		return Script{}, errors.Newf(errors.ErrorTypeNotFound, "script registry returned %d for %s", resp.StatusCode, url)
	}

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") {
		return Script{Name: name, SQL: string(body), Active: true}, nil
	}

	script, err := decodeScript(body)
	if err != nil {
		return Script{}, errors.Wrap(err, errors.ErrorTypeValidation, "unexpected JSON format from script registry").
			WithDetail("url", url)
	}
	script.Name = name
	return script, nil
}

func decodeScript(body []byte) (Script, error) {
	var top remoteScript
	if err := json.Unmarshal(body, &top); err != nil {
		return Script{}, err
	}
	if top.SQL != nil {
		return Script{SQL: *top.SQL, Active: top.Activate}, nil
	}
	if top.Data != nil && strings.HasPrefix(strings.TrimSpace(string(*top.Data)), "{") {
		var inner remoteScript
		if err := json.Unmarshal(*top.Data, &inner); err != nil {
			return Script{}, err
		}
		script := Script{Active: inner.Activate}
		if inner.SQL != nil {
			script.SQL = *inner.SQL
		}
		return script, nil
	}
	return Script{}, errors.New(errors.ErrorTypeValidation, `expected {"sql": ...} or {"data": {"sql": ...}}`)
}
