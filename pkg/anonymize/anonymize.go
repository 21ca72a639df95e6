// Package anonymize replaces identity-bearing values (user names, computer
// names, email addresses, IP addresses and user-profile path segments) with
// stable opaque tokens before a payload leaves the process.
//
// A token is a class prefix followed by a keyed BLAKE3 digest of the
// normalized raw value, so the same value always yields the same token,
// across restarts and across processes, without the mapping store being
// needed to produce it. The store records every issued token; stored
// entries always win over a freshly computed digest.
package anonymize

import (
	"encoding/hex"
	"log/slog"
	"net/netip"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Class partitions the mapping. Profile path segments use ClassUser so a
// name maps identically in a field and inside a path.
type Class string

const (
	ClassUser     Class = "user"
	ClassComputer Class = "computer"
	ClassEmail    Class = "email"
	ClassIP       Class = "ip"
)

var prefixes = map[Class]string{
	ClassUser:     "USER_",
	ClassComputer: "HOST_",
	ClassEmail:    "EMAIL_",
	ClassIP:       "IP_",
}

// domainKey is a 32-byte BLAKE3 key: the ASCII domain name, zero-padded.
type domainKey [32]byte

func newDomainKey(name string) domainKey {
	var k domainKey
	if len(name) > len(k) {
		panic("anonymize: domain key too long: " + name)
	}
	copy(k[:], name)
	return k
}

var domainKeys = map[Class]domainKey{
	ClassUser:     newDomainKey("hostgate.anonymize.user"),
	ClassComputer: newDomainKey("hostgate.anonymize.computer"),
	ClassEmail:    newDomainKey("hostgate.anonymize.email"),
	ClassIP:       newDomainKey("hostgate.anonymize.ip"),
}

const (
	minDigestHex = 16
	maxDigestHex = 64
	// raw values shorter than this are tokenized in fields but not
	// searched for in free text
	minTextRaw = 2
)

// Engine issues tokens and anonymizes decoded JSON values. It is safe for
// concurrent use; its lock is independent of any other store.
type Engine struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	entries Mapping
	owners  map[string]string // token -> class + "\x00" + raw
	gen     uint64
	saved   uint64

	// stored user and computer names searched for in free text; rebuilt
	// when an entry of either class is added
	identRe    *regexp.Regexp
	identToks  map[string]string
	identDirty bool

	// serializes saves so the store only ever moves forward
	saveMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New loads the mapping from store. A load failure is logged and the engine
// starts empty; it never fails the caller.
func New(store Store, opts ...Option) *Engine {
	if store == nil {
		store = &MemoryStore{}
	}
	e := &Engine{
		store:   store,
		logger:  slog.New(slog.DiscardHandler),
		entries: Mapping{},
		owners:  map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	m, err := store.Load()
	if err != nil {
		e.logger.Warn("anonymize: mapping store unreadable, starting empty", "error", err)
		m = Mapping{}
	}
	for class, entries := range m {
		if _, ok := prefixes[class]; !ok {
			continue
		}
		for raw, tok := range entries {
			e.put(class, raw, tok)
		}
	}
	return e
}

// Len returns the number of mapping entries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries.Len()
}

// Token returns the token for one atomic raw value of the given class.
// Allow-listed values, loopback and unspecified IPs and empty values are
// returned unchanged.
func (e *Engine) Token(class Class, raw string) string {
	b := e.begin()
	out := b.token(class, raw)
	e.end(b)
	return out
}

// Anonymize tokenizes one field value of the given class. Qualified
// accounts (DOMAIN\user), user@host mail addresses and ip:port pairs keep
// their shape with each part tokenized.
func (e *Engine) Anonymize(class Class, value string) string {
	b := e.begin()
	out := b.field(class, value)
	e.end(b)
	return out
}

// ApplyText anonymizes free text: stored user and computer names, then the
// pattern matchers.
func (e *Engine) ApplyText(s string) string {
	b := e.begin()
	b.identRe, b.identToks = e.identMatcher()
	out := b.text(s)
	e.end(b)
	return out
}

// Apply returns an anonymized deep copy of a decoded JSON value (maps,
// slices, strings, numbers, bools). Identity fields are tokenized by key
// name first; every string, map keys included, is then rewritten so each
// value collected from those fields, each stored user or computer name and
// each pattern match is replaced by the identical token.
func (e *Engine) Apply(v any) any {
	b := e.begin()
	out := b.fields(v)
	b.compileRaws()
	b.identRe, b.identToks = e.identMatcher()
	out = b.texts(out)
	e.end(b)
	return out
}

// Flush persists entries created since the last successful save.
func (e *Engine) Flush() error { return e.persist() }

// persist saves the current entries unless the store already has them.
// Saves run one at a time and each snapshot is taken under saveMu, so a
// later save never carries fewer entries than an earlier one.
func (e *Engine) persist() error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.gen == e.saved {
		e.mu.Unlock()
		return nil
	}
	snap, gen := e.entries.clone(), e.gen
	e.mu.Unlock()

	if err := e.store.Save(snap); err != nil {
		return err
	}
	e.mu.Lock()
	e.saved = gen
	e.mu.Unlock()
	return nil
}

// identMatcher must be called with e.mu held.
func (e *Engine) identMatcher() (*regexp.Regexp, map[string]string) {
	if !e.identDirty {
		return e.identRe, e.identToks
	}
	toks := map[string]string{}
	// users last so a name stored in both classes reads as a user
	for _, class := range []Class{ClassComputer, ClassUser} {
		for raw, tok := range e.entries[class] {
			if utf8.RuneCountInString(raw) >= minTextRaw {
				toks[raw] = tok
			}
		}
	}
	e.identRe, e.identToks, e.identDirty = alternation(toks), toks, false
	return e.identRe, e.identToks
}

// batch is one locked unit of work.
type batch struct {
	e         *Engine
	created   int
	raws      map[string]string // lowercase raw -> token, from identity fields
	rawRe     *regexp.Regexp
	identRe   *regexp.Regexp
	identToks map[string]string
}

func (e *Engine) begin() *batch {
	e.mu.Lock()
	return &batch{e: e, raws: map[string]string{}}
}

// end releases the lock and persists new entries. Save failures are logged
// and swallowed: the batch is already anonymized in memory.
func (e *Engine) end(b *batch) {
	created := b.created
	if created > 0 {
		e.gen++
	}
	e.mu.Unlock()
	if created == 0 {
		return
	}
	if err := e.persist(); err != nil {
		e.logger.Warn("anonymize: mapping store save failed", "error", err, "created", created)
	}
}

func (e *Engine) put(class Class, raw, tok string) {
	c := e.entries[class]
	if c == nil {
		c = map[string]string{}
		e.entries[class] = c
	}
	c[raw] = tok
	e.owners[tok] = string(class) + "\x00" + raw
	if class == ClassUser || class == ClassComputer {
		e.identDirty = true
	}
}

// token must be called with e.mu held.
func (b *batch) token(class Class, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !hasAlnum(raw) || IsToken(raw) || exempt(class, raw) {
		return raw
	}
	prefix, ok := prefixes[class]
	if !ok {
		return raw
	}
	key := normalize(class, raw)
	if tok, ok := b.e.entries[class][key]; ok {
		return tok
	}
	digest := digestHex(class, key)
	owner := string(class) + "\x00" + key
	tok := ""
	for n := minDigestHex; n <= maxDigestHex; n += 4 {
		cand := prefix + digest[:n]
		if o, taken := b.e.owners[cand]; !taken || o == owner {
			tok = cand
			break
		}
	}
	if tok == "" {
		// all 256 bits collide with stored entries: unreachable for honest stores
		tok = prefix + digest
	}
	b.e.put(class, key, tok)
	b.created++
	return tok
}

// field tokenizes a field value, recording raw parts for the text pass.
func (b *batch) field(class Class, value string) string {
	v := strings.TrimSpace(value)
	if v == "" || IsToken(v) {
		return value
	}
	switch class {
	case ClassUser, ClassComputer:
		if m := accountRe.FindStringSubmatchIndex(v); m != nil && m[0] == 0 && m[1] == len(v) {
			domain, user := v[m[2]:m[3]], v[m[4]:m[5]]
			return b.collect(ClassComputer, domain) + `\` + b.collect(ClassUser, user)
		}
		if class == ClassUser && emailRe.FindString(v) == v {
			return b.collect(ClassEmail, v)
		}
		if class == ClassUser {
			if at := strings.IndexByte(v, '@'); at > 0 {
				// user@REALM
				return b.collect(ClassUser, v[:at]) + "@" + b.collect(ClassComputer, v[at+1:])
			}
		}
	case ClassIP:
		if ap, err := netip.ParseAddrPort(v); err == nil {
			host := ap.Addr().String()
			tok := b.collect(ClassIP, host)
			if strings.HasPrefix(v, "[") {
				return "[" + tok + "]:" + strings.TrimPrefix(v[strings.LastIndexByte(v, ':'):], ":")
			}
			return tok + v[strings.LastIndexByte(v, ':'):]
		}
	}
	return b.collect(class, v)
}

// collect issues a token and remembers the raw for the text pass.
func (b *batch) collect(class Class, raw string) string {
	tok := b.token(class, raw)
	if tok != raw && utf8.RuneCountInString(raw) >= minTextRaw {
		b.raws[strings.ToLower(raw)] = tok
	}
	return tok
}

// fields is pass 1: a deep copy with identity-bearing fields tokenized.
func (b *batch) fields(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if class, ok := classForKey(k); ok {
				out[k] = b.classValue(class, val)
				continue
			}
			out[k] = b.fields(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = b.fields(val)
		}
		return out
	default:
		return v
	}
}

func (b *batch) classValue(class Class, v any) any {
	switch t := v.(type) {
	case string:
		return b.field(class, t)
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = b.classValue(class, el)
		}
		return out
	default:
		return b.fields(v)
	}
}

// texts is pass 2: every string is rewritten. Map keys other than identity
// field names are rewritten too; keys are visited in sorted order so two
// keys that collapse onto one token resolve the same way every time.
func (b *batch) texts(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			nk := k
			if _, ok := classForKey(k); !ok {
				nk = b.text(k)
			}
			out[nk] = b.texts(t[k])
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = b.texts(val)
		}
		return t
	case string:
		return b.text(t)
	default:
		return v
	}
}

func (b *batch) compileRaws() {
	b.rawRe = alternation(b.raws)
}

// alternation matches any key of m case-insensitively, or is nil for an
// empty m.
func alternation(m map[string]string) *regexp.Regexp {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// longest first so qualified forms win over their parts
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(quoted, "|") + `)`)
}

// text rewrites one string. Emails go first so a collected user name never
// splits an address; collected raws follow, then the remaining patterns.
func (b *batch) text(s string) string {
	if s == "" {
		return s
	}
	s = replaceBounded(s, emailRe, func(m string) string { return b.token(ClassEmail, m) })
	if b.rawRe != nil {
		s = replaceBounded(s, b.rawRe, func(m string) string {
			if tok, ok := b.raws[strings.ToLower(m)]; ok {
				return tok
			}
			return m
		})
	}
	if b.identRe != nil {
		s = replaceBounded(s, b.identRe, func(m string) string {
			if tok, ok := b.identToks[strings.ToLower(m)]; ok {
				return tok
			}
			return m
		})
	}
	s = replaceProfiles(s, winProfileRe, b)
	s = replaceProfiles(s, unixProfileRe, b)
	s = replaceAccounts(s, b)
	s = replaceBounded(s, ipv4Re, func(m string) string { return b.ipToken(m, true) })
	s = replaceBounded(s, ipv6Re, func(m string) string { return b.ipToken(m, false) })
	return s
}

func (b *batch) ipToken(m string, v4 bool) string {
	addr, err := netip.ParseAddr(m)
	if err != nil || addr.Is4() != v4 || addr.Zone() != "" {
		return m
	}
	return b.token(ClassIP, m)
}

// replaceBounded replaces matches of re whose neighbours are not word
// characters, so "al" never matches inside "malice".
func replaceBounded(s string, re *regexp.Regexp, repl func(string) string) string {
	locs := re.FindAllStringIndex(s, -1)
	if locs == nil {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if !boundaryBefore(s, start) || !boundaryAfter(s, end) {
			continue
		}
		sb.WriteString(s[last:start])
		sb.WriteString(repl(s[start:end]))
		last = end
	}
	if last == 0 {
		return s
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func replaceProfiles(s string, re *regexp.Regexp, b *batch) string {
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if locs == nil {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		nameStart, nameEnd := loc[4], loc[5]
		name := s[nameStart:nameEnd]
		sb.WriteString(s[last:nameStart])
		sb.WriteString(b.token(ClassUser, name))
		last = nameEnd
	}
	sb.WriteString(s[last:])
	return sb.String()
}

func replaceAccounts(s string, b *batch) string {
	locs := accountRe.FindAllStringSubmatchIndex(s, -1)
	if locs == nil {
		return s
	}
	var sb strings.Builder
	last := 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		// inside a path: C:\Windows\System32, USER_x\Documents
		if start > 0 {
			if r, _ := utf8.DecodeLastRuneInString(s[:start]); r == '\\' || r == '/' || r == ':' || r == '.' || isWord(r) {
				continue
			}
		}
		if afterPathComponent(s, start) {
			continue
		}
		if end < len(s) {
			if r, _ := utf8.DecodeRuneInString(s[end:]); r == '\\' || r == '/' || isWord(r) {
				continue
			}
		}
		domain, user := s[loc[2]:loc[3]], s[loc[4]:loc[5]]
		sb.WriteString(s[last:start])
		sb.WriteString(b.token(ClassComputer, domain))
		sb.WriteByte('\\')
		sb.WriteString(b.token(ClassUser, user))
		last = end
	}
	sb.WriteString(s[last:])
	return sb.String()
}

// afterPathComponent reports whether the word before the spaces preceding i
// starts right after a backslash, as in `C:\Users\All Users\x` or
// `C:\Program Files\App`.
func afterPathComponent(s string, i int) bool {
	j := i
	for j > 0 && s[j-1] == ' ' {
		j--
	}
	if j == i {
		return false
	}
	for j > 0 && s[j-1] != ' ' && s[j-1] != '\\' {
		j--
	}
	return j > 0 && s[j-1] == '\\'
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWord(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWord(r)
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func exempt(class Class, raw string) bool {
	switch class {
	case ClassIP:
		addr, err := netip.ParseAddr(raw)
		return err == nil && (addr.IsLoopback() || addr.IsUnspecified())
	case ClassUser, ClassComputer:
		return allowList[strings.ToLower(raw)]
	}
	return false
}

func normalize(class Class, raw string) string {
	if class == ClassIP {
		if addr, err := netip.ParseAddr(raw); err == nil {
			return addr.Unmap().String()
		}
	}
	return strings.ToLower(raw)
}

func digestHex(class Class, key string) string {
	k := domainKeys[class]
	h, err := blake3.NewKeyed(k[:])
	if err != nil {
		panic("anonymize: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.WriteString(key)
	return hex.EncodeToString(h.Sum(nil))
}
