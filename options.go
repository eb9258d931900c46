package mlsclient

import (
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/quillfeed/mlsclient/groups"
	"github.com/quillfeed/mlsclient/identity"
)

// Options contains configuration options for creating a MessagingSession.
type Options struct {
	// RelayURL is the base URL of the relay backend.
	RelayURL string
	// AuthToken authenticates relay calls for this user.
	AuthToken string
	// UserID is the stable identity the device belongs to.
	UserID string
	// DataDir holds the persisted device identity.
	DataDir string
	// SyncInterval is the period of the background message-sync loop.
	SyncInterval time.Duration
	// CallTimeout bounds every individual relay call.
	CallTimeout time.Duration
	// KeyPackageMaxAge is the staleness threshold past which the
	// published last-resort key package is reissued.
	KeyPackageMaxAge time.Duration
	// LinkingPollInterval is the period of the linking status poll.
	LinkingPollInterval time.Duration
	// SavedataData, when set, restores a previous session's state.
	SavedataData []byte
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		DataDir:             ".",
		SyncInterval:        5 * time.Second,
		CallTimeout:         10 * time.Second,
		KeyPackageMaxAge:    24 * time.Hour,
		LinkingPollInterval: identity.DefaultPollInterval,
	}
}

// LoadOptions builds Options from the environment, optionally loading a
// dotenv file first. Unset variables keep their defaults.
//
//	MLS_RELAY_URL      relay base URL
//	MLS_AUTH_TOKEN     bearer token for relay calls
//	MLS_USER_ID        user identity
//	MLS_DATA_DIR       identity storage directory
//	MLS_SYNC_INTERVAL  sync loop period (Go duration)
//	MLS_CALL_TIMEOUT   per-call relay timeout (Go duration)
func LoadOptions(envFile string) (*Options, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}

	options := NewOptions()
	if v := os.Getenv("MLS_RELAY_URL"); v != "" {
		options.RelayURL = v
	}
	if v := os.Getenv("MLS_AUTH_TOKEN"); v != "" {
		options.AuthToken = v
	}
	if v := os.Getenv("MLS_USER_ID"); v != "" {
		options.UserID = v
	}
	if v := os.Getenv("MLS_DATA_DIR"); v != "" {
		options.DataDir = v
	}
	if v := os.Getenv("MLS_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		options.SyncInterval = d
	}
	if v := os.Getenv("MLS_CALL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, err
		}
		options.CallTimeout = d
	}

	logrus.WithFields(logrus.Fields{
		"function":  "LoadOptions",
		"relay_url": options.RelayURL,
		"user_id":   options.UserID,
	}).Debug("Options loaded from environment")
	return options, nil
}

// SaveData represents the serializable state of a MessagingSession.
// Crypto state is deliberately absent: the repair path rebuilds it, so
// savedata never carries secrets beyond the device identity.
type SaveData struct {
	Device    *identity.DeviceIdentity `json:"device"`
	Groups    []groups.Snapshot        `json:"groups"`
	Timestamp int64                    `json:"timestamp"`
}

// Serialize converts SaveData to a byte slice using JSON.
func (s *SaveData) Serialize() []byte {
	data, _ := json.Marshal(s)
	return data
}

// LoadSaveData deserializes a byte slice into SaveData.
func LoadSaveData(data []byte) (*SaveData, error) {
	var saveData SaveData
	if err := json.Unmarshal(data, &saveData); err != nil {
		return nil, err
	}
	return &saveData, nil
}
