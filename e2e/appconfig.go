package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	RelayHost    string
	RelayPort    int
	Username     string
	Password     string
	StartTLS     bool
	Provider     string
	MailpitURL   string
	MailtrapURL  string
	Timeout      string
	PollInterval string
}

// createAppConfig writes a configuration YAML doc to the given path. The
// Mailtrap token is left out on purpose: it comes from the environment, like
// it would in CI.
func createAppConfig(path string, opts appConfigOptions) error {
	configTemplate := `---
smtp:
    host: {{ .RelayHost }}
    port: {{ .RelayPort }}
{{- if .Username }}
    username: {{ .Username }}
    password: {{ .Password }}
{{- end }}
    startTLS: {{ .StartTLS }}
    insecureSkipVerify: true
mailbox:
    provider: {{ .Provider }}
    mailpit:
        url: {{ .MailpitURL }}
    mailtrap:
        url: {{ .MailtrapURL }}
    maxMessages: 50
    requestTimeout: 5s
wait:
    timeout: {{ .Timeout }}
    pollInterval: {{ .PollInterval }}
`

	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	var config bytes.Buffer

	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	err = os.WriteFile(path, config.Bytes(), 0o644)
	if err != nil {
		return fmt.Errorf("couldn't write to the config file: %v", err)
	}

	return nil
}
