package ice

import (
	"sync"

	"github.com/pion/stun/v3"
)

// ShortTermCredential is a ufrag+password pair appended as USERNAME +
// MESSAGE-INTEGRITY to every outbound request once configured (spec.md
// §4.5).
type ShortTermCredential struct {
	Username string
	Password string
}

// LongTermCredential is returned by the create_long_term_credential(realm)
// upcall spec.md §4.5 describes; Username/Password are the TURN-server
// account, Realm is echoed back from the 401 challenge.
type LongTermCredential struct {
	Username string
	Password string
	Realm    string
}

// LongTermCredentialProvider is the external collaborator that mints
// long-term credentials in response to a REALM seen on a 401 challenge. A
// nil return means "no credential available for this realm" and the
// transaction terminates with ErrAuthFailed.
type LongTermCredentialProvider func(realm string) (*LongTermCredential, error)

// credentialSession tracks the nonce/realm state of one long-term credential
// flow, created lazily on the first 401 per spec.md §4.5.
type credentialSession struct {
	cred  LongTermCredential
	nonce string
	// challenged counts 401/438 responses seen for the transaction this
	// session backs. The first 401 creates the session with a count of 1;
	// a further 401 terminates with ErrAuthFailed, and a 438 is retried
	// only while the count stays at 2 or below (spec.md §4.5).
	challenged int
}

// CredentialManager implements spec.md §4.5: short-term HMAC on every
// request when a ufrag is configured, and a lazily-created, nonce-tracking
// long-term session driven by 401/438 challenges. One instance is shared by
// a STUN/TURN Harvester's transactions against a single server.
type CredentialManager struct {
	mu       sync.Mutex
	short    *ShortTermCredential
	provider LongTermCredentialProvider
	sessions map[string]*credentialSession // keyed by server TransportAddress.String()
}

// NewCredentialManager constructs a manager. short may be nil (no
// short-term credential configured); provider may be nil (long-term auth
// always fails with ErrAuthFailed).
func NewCredentialManager(short *ShortTermCredential, provider LongTermCredentialProvider) *CredentialManager {
	return &CredentialManager{short: short, provider: provider, sessions: make(map[string]*credentialSession)}
}

// Prepare decorates request with whatever credential attributes are
// currently known for server: short-term USERNAME+MESSAGE-INTEGRITY if
// configured, or the long-term USERNAME+REALM+NONCE+MESSAGE-INTEGRITY if a
// session already exists for server (post-challenge retry). A brand-new
// long-term flow sends the first request bare, per spec.md §4.5.
func (cm *CredentialManager) Prepare(server TransportAddress, setters []stun.Setter) []stun.Setter {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.short != nil {
		setters = append(setters,
			stun.NewUsername(cm.short.Username),
			stun.NewShortTermIntegrity(cm.short.Password),
		)
		return setters
	}

	if sess, ok := cm.sessions[server.String()]; ok {
		setters = append(setters,
			stun.NewUsername(sess.cred.Username),
			stun.NewRealm(sess.cred.Realm),
			stun.NewNonce(sess.nonce),
			stun.NewLongTermIntegrity(sess.cred.Username, sess.cred.Realm, sess.cred.Password),
		)
	}
	return setters
}

// challengeResult tells the caller what to do after HandleChallenge runs.
type challengeResult int

const (
	// challengeNone means the response was not a 401/438; the caller should
	// treat it as a normal success/error response.
	challengeNone challengeResult = iota
	// challengeRetry means the request should be resent with Prepare's
	// newly updated credential attributes.
	challengeRetry
	// challengeAuthFailed means the challenge cannot be answered (no
	// credential for the realm, a 401 while a session already exists, or a
	// 438 with no session or past the retry budget); terminate with
	// ErrAuthFailed (spec.md §4.5).
	challengeAuthFailed
)

// HandleChallenge inspects resp for a 401 Unauthorized or 438 Stale Nonce
// error response and updates (or creates) the long-term session for server
// accordingly. Returns challengeRetry when the caller should resend, or
// challengeAuthFailed when the retry budget for this server is exhausted.
func (cm *CredentialManager) HandleChallenge(server TransportAddress, resp *stun.Message) challengeResult {
	var errCode stun.ErrorCodeAttribute
	if err := errCode.GetFrom(resp); err != nil {
		return challengeNone
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch errCode.Code {
	case stun.CodeUnauthorized:
		var realm stun.Realm
		var nonce stun.Nonce
		if err := realm.GetFrom(resp); err != nil {
			return challengeNone
		}
		_ = nonce.GetFrom(resp)

		sess, exists := cm.sessions[server.String()]
		if exists {
			sess.challenged++
			if sess.challenged > 1 {
				return challengeAuthFailed
			}
			sess.nonce = string(nonce)
			return challengeRetry
		}

		if cm.provider == nil {
			return challengeAuthFailed
		}
		cred, err := cm.provider(string(realm))
		if err != nil || cred == nil {
			return challengeAuthFailed
		}
		cred.Realm = string(realm)
		cm.sessions[server.String()] = &credentialSession{cred: *cred, nonce: string(nonce), challenged: 1}
		return challengeRetry

	case stun.CodeStaleNonce:
		var nonce stun.Nonce
		if err := nonce.GetFrom(resp); err != nil {
			return challengeNone
		}
		sess, exists := cm.sessions[server.String()]
		if !exists {
			return challengeAuthFailed
		}
		sess.challenged++
		if sess.challenged > 2 {
			return challengeAuthFailed
		}
		sess.nonce = string(nonce)
		return challengeRetry

	default:
		return challengeNone
	}
}

// ClearSession drops the long-term session for server, used by the TURN
// Harvester's TRY_ALTERNATE recovery (spec.md §4.8: "clear long-term
// session; retry ALLOCATE at new server").
func (cm *CredentialManager) ClearSession(server TransportAddress) {
	cm.mu.Lock()
	delete(cm.sessions, server.String())
	cm.mu.Unlock()
}

// ValidateIntegrity checks an inbound response's MESSAGE-INTEGRITY against
// the credential session (or short-term credential) used for the matching
// request, per spec.md §4.4: "if USERNAME and MESSAGE-INTEGRITY were
// present in the matching request, MESSAGE-INTEGRITY MUST be present and
// verify". requestHadIntegrity distinguishes "no validation needed" from
// "validation needed and failed".
func (cm *CredentialManager) ValidateIntegrity(server TransportAddress, resp *stun.Message, requestHadIntegrity bool) bool {
	if !requestHadIntegrity {
		return true
	}

	var mi stun.MessageIntegrity
	if err := mi.GetFrom(resp); err != nil {
		return false
	}

	cm.mu.Lock()
	short := cm.short
	sess, hasSession := cm.sessions[server.String()]
	cm.mu.Unlock()

	var key stun.MessageIntegrity
	switch {
	case short != nil:
		key = stun.NewShortTermIntegrity(short.Password)
	case hasSession:
		key = stun.NewLongTermIntegrity(sess.cred.Username, sess.cred.Realm, sess.cred.Password)
	default:
		return false
	}

	return key.Check(resp) == nil
}
