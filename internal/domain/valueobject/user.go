package valueobject

// User is an immutable value object identifying the human or bot on
// the other end of an interface adapter (Telegram, HTTP, REPL). It is
// distinct from entity.MessageRole: User identifies WHO sent a message
// at the adapter layer, Role classifies WHAT a Message is for the
// orchestrator (system/user/assistant/tool).
type User struct {
	id       string
	username string
	userType string
	metadata map[string]string
}

func NewUser(id, username, userType string) User {
	return User{
		id:       id,
		username: username,
		userType: userType,
		metadata: make(map[string]string),
	}
}

func NewUserWithMetadata(id, username, userType string, metadata map[string]string) User {
	meta := make(map[string]string)
	for k, v := range metadata {
		meta[k] = v
	}

	return User{
		id:       id,
		username: username,
		userType: userType,
		metadata: meta,
	}
}

func (u User) ID() string {
	return u.id
}

func (u User) Username() string {
	return u.username
}

func (u User) Type() string {
	return u.userType
}

func (u User) Metadata() map[string]string {
	meta := make(map[string]string)
	for k, v := range u.metadata {
		meta[k] = v
	}
	return meta
}

func (u User) GetMetadata(key string) (string, bool) {
	val, ok := u.metadata[key]
	return val, ok
}

func (u User) IsAnonymous() bool {
	return u.userType == "anonymous"
}

// Equals reports value equality between two Users.
func (u User) Equals(other User) bool {
	if u.id != other.id || u.username != other.username || u.userType != other.userType {
		return false
	}

	if len(u.metadata) != len(other.metadata) {
		return false
	}

	for k, v := range u.metadata {
		if otherV, ok := other.metadata[k]; !ok || v != otherV {
			return false
		}
	}

	return true
}
