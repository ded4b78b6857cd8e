// Package cloudsql resolves the Postgres connection string for the document
// store when it runs on Cloud Run against Cloud SQL.
package cloudsql

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNotConfigured means neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set.
var ErrNotConfigured = errors.New("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")

// BuildDatabaseURL returns DATABASE_URL when set. Otherwise it builds a
// Unix-socket DSN from INSTANCE_CONNECTION_NAME, DB_USER, DB_PASSWORD and
// DB_NAME; Cloud Run mounts instances under /cloudsql/<instance>. An empty
// DB_PASSWORD selects IAM authentication.
func BuildDatabaseURL(getenv func(string) string) (string, error) {
	if dbURL := getenv("DATABASE_URL"); dbURL != "" {
		return dbURL, nil
	}

	instance := getenv("INSTANCE_CONNECTION_NAME")
	if instance == "" {
		return "", ErrNotConfigured
	}
	user, name := getenv("DB_USER"), getenv("DB_NAME")
	if user == "" || name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	parts := []string{
		"host=" + quote("/cloudsql/"+instance),
		"user=" + quote(user),
	}
	if password := getenv("DB_PASSWORD"); password != "" {
		parts = append(parts, "password="+quote(password))
	}
	parts = append(parts, "dbname="+quote(name), "sslmode=disable")
	return strings.Join(parts, " "), nil
}

// quote escapes a key/value DSN value for lib/pq.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Describe summarizes a connection string for logging with any password
// removed.
func Describe(dsn string) map[string]string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return map[string]string{"connection_type": "direct", "error": "unparseable url"}
		}
		return map[string]string{
			"connection_type": "direct",
			"database_url":    u.Redacted(),
		}
	}

	out := map[string]string{"connection_type": "keyvalue"}
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "password" {
			continue
		}
		if key == "host" && strings.Contains(value, "/cloudsql/") {
			out["connection_type"] = "cloud_sql"
		}
		out[key] = strings.Trim(value, "'")
	}
	return out
}
