package pool

import "fmt"

// Address identifies a distinct pool: the network location plus the
// credentials used to authenticate against it.
type Address struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// Key returns a value suitable for use as a map key identifying the
// (host, port, database, user) tuple that determines pool identity.
// Password is deliberately excluded — two configs differing only in
// password never make sense as distinct pools in practice, and excluding
// it keeps the key loggable.
func (a Address) Key() string {
	return fmt.Sprintf("%s:%d/%s@%s", a.Host, a.Port, a.Database, a.User)
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d/%s", a.Host, a.Port, a.Database)
}
