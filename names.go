package refunc

import "fmt"

type nameEntry struct {
	name string
	user bool
}

// NameOptions controls SetName.
type NameOptions struct {
	// Rename replaces an existing user name.
	Rename bool
	// Auto marks the name as generated rather than user-given.
	Auto bool
}

// SetName names addr. Without Rename, an address that already has a user
// name keeps it and SetName succeeds only if the names match. Names are
// unique across the database.
func (db *Database) SetName(addr uint64, name string, opts NameOptions) bool {
	if cur, ok := db.names[addr]; ok && cur.user && !opts.Rename {
		return cur.name == name
	}
	if err := validName(name); err != nil {
		db.logger.Debug().Err(err).Str("addr", fmtAddr(addr)).Msg("Rejected name")
		return false
	}
	if owner, ok := db.byName[name]; ok && owner != addr {
		return false
	}
	if cur, ok := db.names[addr]; ok {
		delete(db.byName, cur.name)
	}
	db.names[addr] = nameEntry{name: name, user: !opts.Auto}
	db.byName[name] = addr
	return true
}

// Name returns the name of addr, or "".
func (db *Database) Name(addr uint64) string {
	return db.names[addr].name
}

// UserName returns the name of addr if it was given by the user, or "".
func (db *Database) UserName(addr uint64) string {
	if e := db.names[addr]; e.user {
		return e.name
	}
	return ""
}

// NameAddr returns the address of name, or BadAddr.
func (db *Database) NameAddr(name string) uint64 {
	if addr, ok := db.byName[name]; ok {
		return addr
	}
	return BadAddr
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	for _, r := range name {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("name %q contains a control or space character", name)
		}
	}
	return nil
}
