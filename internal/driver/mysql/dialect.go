package mysql

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/johndauphine/mention-anonymizer/internal/driver"
)

// Dialect implements driver.Dialect for MySQL.
type Dialect struct{}

func (d *Dialect) DBType() string { return "mysql" }

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `''`,
	"\x00", `\0`,
	"\n", `\n`,
	"\r", `\r`,
	"\x1a", `\Z`,
)

// QuoteLiteral escapes backslashes as well as quotes since MySQL treats
// backslash as an escape character unless NO_BACKSLASH_ESCAPES is set.
func (d *Dialect) QuoteLiteral(s string) string {
	return "'" + literalEscaper.Replace(s) + "'"
}

func (d *Dialect) ContainsPredicate(column, needle string) string {
	return driver.StandardContains(d, column, needle)
}

func (d *Dialect) LimitOffset(offset, limit int) string {
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// BuildDSN formats the connection string with go-sql-driver's own Config.
func (d *Dialect) BuildDSN(host string, port int, database, user, password string, opts map[string]any) string {
	cfg := gomysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.Itoa(port))
	cfg.DBName = database
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if tls, ok := opts["tls"].(string); ok && tls != "" {
		cfg.TLSConfig = tls
	}
	return cfg.FormatDSN()
}
