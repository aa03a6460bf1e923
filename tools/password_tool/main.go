// Command password_tool sets the API login in a pwrec YAML config. It rewrites only
// the auth section so comments and ordering elsewhere in the file survive.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"pwrec/internal/middleware"
)

const minPasswordLen = 8

func main() {
	configPath := flag.String("config", "pwrec.yaml", "Path to the pwrec YAML config")
	username := flag.String("username", "admin", "Login name")
	password := flag.String("password", "", "New password (leave blank to type securely)")
	enable := flag.Bool("enable", true, "Also set auth.enabled")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "username cannot be empty")
		os.Exit(1)
	}

	cfgPath, err := filepath.Abs(strings.TrimSpace(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to resolve config path: %v\n", err)
		os.Exit(1)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		os.Exit(1)
	}

	pwd, err := resolvePassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "password error: %v\n", err)
		os.Exit(1)
	}
	hash, err := middleware.HashPassword(pwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	out, err := setCredentials(data, credentials{
		Username:     strings.TrimSpace(*username),
		PasswordHash: hash,
		Enable:       *enable,
		NewSecret:    randomSecret,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to update config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(cfgPath, out, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated credentials for %s in %s.\n", *username, cfgPath)
}

type credentials struct {
	Username     string
	PasswordHash string
	Enable       bool
	// NewSecret is called when the file has no usable auth.jwtSecret.
	NewSecret func() (string, error)
}

// setCredentials edits the auth mapping of a YAML document, creating it when absent.
func setCredentials(data []byte, cred credentials) ([]byte, error) {
	var doc yaml.Node
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("config root is not a mapping")
	}

	auth := mappingValue(doc.Content[0], "auth")
	if auth.Kind != yaml.MappingNode {
		return nil, errors.New("auth is not a mapping")
	}
	setScalar(auth, "username", cred.Username, "!!str")
	setScalar(auth, "passwordHash", cred.PasswordHash, "!!str")
	if cred.Enable {
		setScalar(auth, "enabled", "true", "!!bool")
	}
	if secret := lookup(auth, "jwtSecret"); secret == nil || len(secret.Value) < 16 {
		s, err := cred.NewSecret()
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		setScalar(auth, "jwtSecret", s, "!!str")
	}
	return yaml.Marshal(&doc)
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if v := lookup(m, key); v != nil {
		if v.Kind == yaml.ScalarNode && v.Tag == "!!null" {
			v.Kind, v.Tag, v.Value = yaml.MappingNode, "", ""
		}
		return v
	}
	v := &yaml.Node{Kind: yaml.MappingNode}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, v)
	return v
}

func setScalar(m *yaml.Node, key, value, tag string) {
	if v := lookup(m, key); v != nil {
		v.Kind, v.Tag, v.Value, v.Style = yaml.ScalarNode, tag, value, 0
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func resolvePassword(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed != "" {
		if len(trimmed) < minPasswordLen {
			return "", fmt.Errorf("password must be at least %d characters", minPasswordLen)
		}
		return trimmed, nil
	}

	first, err := promptPassword("Enter new password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) < minPasswordLen {
		return "", fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}
	return first, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		bytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	text, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
