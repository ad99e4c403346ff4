package authentication

// keystring.go keeps the admin API token in the OS keyring, one entry per
// server URL.
import (
	"encoding/json"
	"errors"

	"github.com/zalando/go-keyring"
)

const serviceName = "melinkctl"

var ErrNotLoggedIn = errors.New("not logged in")

type StoredCredentials struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	ExpiresAt   int64  `json:"expires_at"`
}

func StoreTokens(server string, creds *StoredCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return keyring.Set(serviceName, server, string(data))
}

func GetTokens(server string) (*StoredCredentials, error) {
	value, err := keyring.Get(serviceName, server)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}

	var creds StoredCredentials
	if err := json.Unmarshal([]byte(value), &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func DeleteTokens(server string) error {
	err := keyring.Delete(serviceName, server)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
