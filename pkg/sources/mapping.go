package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/google"
)

const sheetsScope = "https://www.googleapis.com/auth/spreadsheets.readonly"

// ServiceCredentials is the service-account bundle supplied out-of-band via
// the environment. It is used only to mint access tokens for outbound calls
// and is never written into the dataset.
type ServiceCredentials struct {
	ProjectID    string
	PrivateKeyID string
	PrivateKey   string
	ClientEmail  string
	ClientID     string
	CertURL      string
}

// Complete reports whether the bundle has everything needed to sign a JWT.
func (c ServiceCredentials) Complete() bool {
	return c.ProjectID != "" && c.PrivateKey != "" && c.ClientEmail != ""
}

// serviceAccountJSON renders the bundle in the layout the Google oauth2
// helpers expect.
func (c ServiceCredentials) serviceAccountJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"type":                        "service_account",
		"project_id":                  c.ProjectID,
		"private_key_id":              c.PrivateKeyID,
		"private_key":                 c.PrivateKey,
		"client_email":                c.ClientEmail,
		"client_id":                   c.ClientID,
		"auth_uri":                    "https://accounts.google.com/o/oauth2/auth",
		"token_uri":                   "https://oauth2.googleapis.com/token",
		"auth_provider_x509_cert_url": "https://www.googleapis.com/oauth2/v1/certs",
		"client_x509_cert_url":        c.CertURL,
		"universe_domain":             "googleapis.com",
	})
}

// MappingSource reads the crowd-sourced package → store-id sheet. It is
// consulted by the resolver only for package names it cannot place; the
// sheet never overrides an existing alias.
type MappingSource struct {
	Credentials   ServiceCredentials
	SpreadsheetID string
	Range         string
}

// Load fetches the mapping. Malformed rows are counted and skipped, not
// fatal: a half-usable sheet still resolves some packages.
func (m *MappingSource) Load(ctx context.Context) (map[string]string, int, error) {
	saJSON, err := m.Credentials.serviceAccountJSON()
	if err != nil {
		return nil, 0, err
	}
	conf, err := google.JWTConfigFromJSON(saJSON, sheetsScope)
	if err != nil {
		return nil, 0, fmt.Errorf("building service-account config: %w", err)
	}
	client := conf.Client(ctx)

	endpoint := fmt.Sprintf("https://sheets.googleapis.com/v4/spreadsheets/%s/values/%s",
		url.PathEscape(m.SpreadsheetID), url.PathEscape(m.Range))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("sheets API returned HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	return parseMappingRows(body)
}

// parseMappingRows reads the sheet's values payload. Each row is expected
// to be [package, store_id]; the header row and anything that does not look
// like a package name is skipped.
func parseMappingRows(body []byte) (map[string]string, int, error) {
	rows := gjson.GetBytes(body, "values").Array()
	out := make(map[string]string, len(rows))
	skipped := 0

	for i, row := range rows {
		cells := row.Array()
		if len(cells) < 2 {
			skipped++
			continue
		}
		pkg := strings.TrimSpace(cells[0].String())
		id := strings.TrimSpace(cells[1].String())
		if pkg == "" || id == "" {
			skipped++
			continue
		}
		// Header row.
		if i == 0 && strings.EqualFold(pkg, "package") {
			continue
		}
		// Package names are reverse-DNS; a bare word is someone typo-ing
		// into the form.
		if !strings.Contains(pkg, ".") {
			skipped++
			continue
		}
		out[pkg] = id
	}
	return out, skipped, nil
}
