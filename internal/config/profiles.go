package config

import "fmt"

// Profiles lists the names accepted by Profile.
var Profiles = []string{"dev", "prod"}

// Profile returns an example configuration file for the named profile.
// Every profile parses with Parse.
func Profile(name string) (string, error) {
	switch name {
	case "dev":
		return devProfile, nil
	case "prod":
		return prodProfile, nil
	}
	return "", fmt.Errorf("unknown profile %q (available: dev, prod)", name)
}

const devProfile = `# restbase development profile
listen:
  host: 127.0.0.1
  port: 8080

upstream:
  url: http://127.0.0.1:3000
  timeout: 30s

# Requests matching any entry are "in zone" and get API treatment.
zone:
  - path: ^/api/
    methods: GET, POST, PUT, PATCH, DELETE

security:
  rate_limit:
    enabled: false
  auth:
    mode: none

logging:
  level: debug
  format: text
  output: stderr

reload:
  enabled: true
  watch_file: true
  debounce: 1s
`

const prodProfile = `# restbase production profile
listen:
  host: 0.0.0.0
  port: 8080
  grpc_port: 9090
  max_connections: 5000
  trusted_proxies:
    - 10.0.0.0/8

upstream:
  url: http://app.internal:3000
  timeout: 15s

zone:
  - path: ^/api/
    host: ^api\.
    methods: [GET, POST, PUT, PATCH, DELETE]
  - path: ^/internal/
    ips: 10.0.0.0/8

security:
  global_rate_limit: 60000
  rate_limit:
    enabled: true
    per_ip: 300
    burst: 60
    cleanup_interval: 5m
  auth:
    mode: bearer
    issuer: https://auth.example.com/
    audience: restbase
    jwks_url: https://auth.example.com/.well-known/jwks.json
  body:
    validate_json: true
    max_bytes: 1048576

logging:
  level: info
  format: json
  output: stdout
  access:
    sampling_rate: 0.1
    error_sampling_rate: 1.0

shutdown:
  timeout: 30s

reload:
  enabled: true
  watch_file: false
`
