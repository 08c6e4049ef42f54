// Package profiles lists the profile clients this module ships.
package profiles

import (
	"fmt"
	"sort"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/profiles/gattsvc"
	"github.com/chaz8081/gattprofile/internal/profiles/scpp"
	"github.com/chaz8081/gattprofile/internal/profiles/uds"
	"github.com/chaz8081/gattprofile/internal/profiles/wss"
)

var constructors = map[string]func() gattc.Profile{
	gattsvc.Name: gattsvc.New,
	scpp.Name:    scpp.New,
	uds.Name:     uds.New,
	wss.Name:     wss.New,
}

// Lookup returns a new instance of the named profile.
func Lookup(name string) (gattc.Profile, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("profiles: unknown profile %q (have %v)", name, Names())
	}
	return ctor(), nil
}

// Names returns the known profile names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
