package models

// PgBouncerConfig holds the connection-router settings. After a successful
// restore, Alias is re-pointed at the restored database.
type PgBouncerConfig struct {
	Host        string
	Port        int    // pgbouncer port, 6432 by default
	User        string // admin user, "postgres" by default
	ConfFile    string // path of pgbouncer.ini on Host
	Alias       string // database name clients use
	BackendPort int    // PostgreSQL port written into the dsn
	PsqlCmd     string // psql binary, "psql" by default
	SSH         SSHConfig
}

// PgBouncerResult holds the result of a configuration edit.
type PgBouncerResult struct {
	ConfigPath string // local file holding the new pgbouncer.ini
	Alias      string
	Database   string
	Error      error
}
