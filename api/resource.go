package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Resource is the generic payload returned by the walletd API. Data is
// shaped by whichever backend served the request.
type Resource struct {
	Data map[string]any `json:"data"`
}

// ParseResource decodes a Resource from a JSON body. Responses without a
// top-level "data" field fall back to treating the whole object as data,
// and a body holding only an "errors" array is reported as an error (or
// as absence, when the array is all there is).
func ParseResource(r io.Reader) (*Resource, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}

	var resource Resource
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resource); err != nil {
		return nil, err
	}
	if resource.Data != nil {
		return &resource, nil
	}

	// No "data" envelope. Re-decode the raw object and decide what it is.
	raw := make(map[string]any)
	dec = json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	if errRaw, ok := raw["errors"]; ok {
		// Only errors, no data: report absence.
		if len(raw) == 1 {
			return nil, nil
		}

		var errStrs []string
		errBytes, err := json.Marshal(errRaw)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(errBytes, &errStrs); err != nil {
			return nil, err
		}
		return nil, errors.New(strings.Join(errStrs, " "))
	}

	if len(raw) > 0 {
		resource.Data = raw
	}

	return &resource, nil
}
