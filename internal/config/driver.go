package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pinpt/syncagent/sdk"
)

// Driver is a database/sql driver name and the matching SQL dialect
type Driver struct {
	Name    string
	Dialect string
}

var (
	// SQLServer is the Microsoft SQL Server driver
	SQLServer = Driver{"sqlserver", "sqlserver"}
	// SQLite is the sqlite3 driver, DATABASE.database is the file path
	SQLite = Driver{"sqlite3", "sqlite3"}
)

// ResolveDriver maps DATABASE.driver to a Driver. ODBC style names such as
// "ODBC Driver 17 for SQL Server" resolve to the native SQL Server driver.
func ResolveDriver(name string) (Driver, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "", strings.Contains(n, "sql server"), strings.Contains(n, "sqlserver"), strings.Contains(n, "mssql"):
		return SQLServer, nil
	case strings.Contains(n, "sqlite"):
		return SQLite, nil
	}
	return Driver{}, sdk.NewConfigError("DATABASE.driver", "unsupported driver %q", name)
}

// DSN returns the connection string for the configured database
func (c *Config) DSN() (Driver, string, error) {
	d, err := ResolveDriver(c.Database.Driver)
	if err != nil {
		return d, "", err
	}
	db := c.Database
	if d == SQLite {
		return d, db.Database, nil
	}
	q := url.Values{}
	q.Set("database", db.Database)
	q.Set("encrypt", "true")
	q.Set("TrustServerCertificate", "true")
	host, port, instance := splitServer(db.Server)
	if db.Port > 0 {
		port = strconv.Itoa(db.Port)
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     host,
		RawQuery: q.Encode(),
	}
	if port != "" {
		u.Host = host + ":" + port
	}
	if instance != "" {
		u.Path = "/" + instance
	}
	// without credentials the driver falls back to integrated (trusted) authentication
	if db.Username != "" && db.Password != "" {
		u.User = url.UserPassword(db.Username, db.Password)
	}
	return d, u.String(), nil
}

// splitServer splits an ODBC style server value such as HOST\INSTANCE or HOST,PORT
func splitServer(server string) (host, port, instance string) {
	host = strings.TrimSpace(server)
	if i := strings.LastIndexByte(host, ','); i >= 0 {
		host, port = host[:i], strings.TrimSpace(host[i+1:])
	}
	if i := strings.IndexByte(host, '\\'); i >= 0 {
		host, instance = host[:i], host[i+1:]
	}
	return host, port, instance
}
