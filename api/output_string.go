package api

import (
	"net/http"
	"strconv"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

const (
	ErrOutputStringRequest = "output a string, please"
)

// LastOutputStringError holds the most recent request captured while the
// output-curl-string flag is set, so the CLI can retrieve it after the
// client call returns.
var LastOutputStringError *OutputStringError

// OutputStringError carries a fully-prepared request out of the client
// instead of executing it, so the CLI can print the equivalent curl
// command. It is returned as an error from the request path and detected
// by message.
type OutputStringError struct {
	*retryablehttp.Request
	TLSSkipVerify              bool
	ClientCACert, ClientCAPath string
	ClientCert, ClientKey      string
	finalCurlString            string
}

func (d *OutputStringError) Error() string {
	if d.finalCurlString == "" {
		cs, err := d.buildCurlString()
		if err != nil {
			return err.Error()
		}
		d.finalCurlString = cs
	}

	return ErrOutputStringRequest
}

func (d *OutputStringError) CurlString() (string, error) {
	if d.finalCurlString == "" {
		cs, err := d.buildCurlString()
		if err != nil {
			return "", err
		}
		d.finalCurlString = cs
	}
	return d.finalCurlString, nil
}

// singleQuote wraps s for a POSIX shell, closing and reopening the
// quotes around any embedded single quote.
func singleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (d *OutputStringError) buildCurlString() (string, error) {
	body, err := d.BodyBytes()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("curl ")

	if d.TLSSkipVerify {
		b.WriteString("--insecure ")
	}
	if d.Method != http.MethodGet {
		b.WriteString("-X ")
		b.WriteString(d.Method)
		b.WriteByte(' ')
	}

	flags := []struct {
		flag, value string
	}{
		{"--cacert", d.ClientCACert},
		{"--capath", d.ClientCAPath},
		{"--cert", d.ClientCert},
		{"--key", d.ClientKey},
	}
	for _, f := range flags {
		if f.value != "" {
			b.WriteString(f.flag)
			b.WriteByte(' ')
			b.WriteString(singleQuote(f.value))
			b.WriteByte(' ')
		}
	}

	if len(body) > 0 {
		b.WriteString("-d ")
		b.WriteString(singleQuote(string(body)))
		b.WriteByte(' ')
	}
	b.WriteString(strconv.Quote(d.URL.String()))

	return b.String(), nil
}
