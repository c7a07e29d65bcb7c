package topology

import (
	"vether/internal/dictionary"
	"vether/internal/identity"
)

// The planetary defaults: two supernodes reachable at well-known addresses.
// Replaced at runtime only by an authenticated root-topology document or an
// explicit override.
type defaultRoot struct {
	id  string
	udp string
}

var defaultRoots = []defaultRoot{
	{
		id:  "c099acbf0b:0:8b81c862de48543d027a887d6e0c26f74f05638a5dc051744345049b6ce517b78f575cf479242d25b3f1cdecafab7bdcc912780a53d2d9246e47f1ab99e25c4a",
		udp: "198.51.100.12:9993",
	},
	{
		id:  "3c239a0d28:0:4f37bec3981984a2d3a1ca99f3c6b300bcc7aba15968696363c9730473a89994b5dd9b2fde3622f2479c288b3c85f039e9a204690c9a48fb20394e938fc71c1b",
		udp: "203.0.113.44:9993",
	},
}

// Public identities allowed to sign root-topology updates. There is no
// private half of these anywhere near this repository.
var rootAuthorityStrings = []string{
	"c099acbf0b:0:8b81c862de48543d027a887d6e0c26f74f05638a5dc051744345049b6ce517b78f575cf479242d25b3f1cdecafab7bdcc912780a53d2d9246e47f1ab99e25c4a",
}

// DefaultRootTopology builds the compiled-in root topology document. It is
// trusted by construction and carries no signature.
func DefaultRootTopology() dictionary.Dictionary {
	sn := dictionary.New()
	for _, r := range defaultRoots {
		id, err := identity.FromString(r.id)
		if err != nil {
			// Compiled-in data; a parse failure here is a build defect.
			panic("default root topology is malformed: " + err.Error())
		}
		entry := dictionary.New()
		entry.Set("id", r.id)
		entry.Set("udp", r.udp)
		sn.Set(id.Address().String(), entry.String())
	}
	d := dictionary.New()
	d.Set("supernodes", sn.String())
	return d
}

// AuthenticateRootTopology reports whether a root-topology document carries
// a valid signature from a known root authority. Documents from storage
// must pass this before they displace the defaults.
func AuthenticateRootTopology(d dictionary.Dictionary) bool {
	signer, ok := d.SignerAddress()
	if !ok {
		return false
	}
	for _, s := range rootAuthorityStrings {
		auth, err := identity.FromString(s)
		if err != nil {
			continue
		}
		if auth.Address() != signer {
			continue
		}
		return d.Verify(auth) == nil
	}
	return false
}
