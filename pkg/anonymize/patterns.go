package anonymize

import (
	"regexp"
	"strings"
)

// fieldClasses maps normalized JSON keys (lowercase, without '_' and '-')
// to the identity class of their values.
var fieldClasses = map[string]Class{
	// user accounts
	"user":            ClassUser,
	"username":        ClassUser,
	"account":         ClassUser,
	"accountname":     ClassUser,
	"samaccountname":  ClassUser,
	"subjectusername": ClassUser,
	"targetusername":  ClassUser,
	"logonuser":       ClassUser,
	"owner":           ClassUser,
	"author":          ClassUser,
	"createdby":       ClassUser,
	"modifiedby":      ClassUser,
	"principal":       ClassUser,
	"principalname":   ClassUser,
	// machines and domains
	"computer":          ClassComputer,
	"computername":      ClassComputer,
	"host":              ClassComputer,
	"hostname":          ClassComputer,
	"machine":           ClassComputer,
	"machinename":       ClassComputer,
	"workstation":       ClassComputer,
	"workstationname":   ClassComputer,
	"device":            ClassComputer,
	"devicename":        ClassComputer,
	"servername":        ClassComputer,
	"domain":            ClassComputer,
	"subjectdomainname": ClassComputer,
	"targetdomainname":  ClassComputer,
	// mail
	"email":             ClassEmail,
	"mail":              ClassEmail,
	"emailaddress":      ClassEmail,
	"userprincipalname": ClassEmail,
	"upn":               ClassEmail,
	// network
	"ip":                   ClassIP,
	"ips":                  ClassIP,
	"ipaddress":            ClassIP,
	"ipaddresses":          ClassIP,
	"ipaddr":               ClassIP,
	"sourceip":             ClassIP,
	"destip":               ClassIP,
	"destinationip":        ClassIP,
	"clientip":             ClassIP,
	"remoteip":             ClassIP,
	"remoteaddress":        ClassIP,
	"sourceaddress":        ClassIP,
	"sourcenetworkaddress": ClassIP,
	"ipaddressv4":          ClassIP,
	"ipaddressv6":          ClassIP,
}

var keySeparators = strings.NewReplacer("_", "", "-", "", ".", "")

func classForKey(key string) (Class, bool) {
	c, ok := fieldClasses[keySeparators.Replace(strings.ToLower(key))]
	return c, ok
}

// allowList holds shared and built-in principals that are not personal
// identities. Matching is case-insensitive.
var allowList = map[string]bool{
	"public":          true,
	"default":         true,
	"default user":    true,
	"all users":       true,
	"system":          true,
	"local service":   true,
	"network service": true,
	"localhost":       true,
	"nt authority":    true,
	"nt service":      true,
	"builtin":         true,
	"workgroup":       true,
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.[A-Za-z]{2,}`)

	ipv4Re = regexp.MustCompile(`(?:[0-9]{1,3}\.){3}[0-9]{1,3}`)

	// candidates only; netip decides
	ipv6Re = regexp.MustCompile(`[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}`)

	// DOMAIN\user; multi-word built-in domains first so they win.
	accountRe = regexp.MustCompile(`(?i)(NT AUTHORITY|NT SERVICE|[A-Za-z][A-Za-z0-9-]{0,62})\\([\p{L}\p{N}][\p{L}\p{N}_.$-]{0,63})`)

	// Profile directories; the captured name is tokenized, the prefix kept.
	winProfileRe  = regexp.MustCompile(`(?i)([A-Z]:\\+Users\\+)(Default User|All Users|[^\\/\s:*?"<>|]+)`)
	unixProfileRe = regexp.MustCompile(`(/Users/|/home/)([^/\s:"'<>|]+)`)

	tokenRe = regexp.MustCompile(`^(?:USER|HOST|EMAIL|IP)_[0-9a-f]{16,64}$`)
)

// IsToken reports whether s has the shape of an issued token.
func IsToken(s string) bool { return tokenRe.MatchString(s) }
