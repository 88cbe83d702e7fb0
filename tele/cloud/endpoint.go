package cloud

import (
	"fmt"

	"github.com/juju/errors"

	"github.com/cloudtele/cloudtele/tele"
	tele_config "github.com/cloudtele/cloudtele/tele/config"
)

var regions = map[string]bool{"us": true, "eu": true, "as": true, "cn": true}

// Endpoints resolves region to the api/stream URL pair.
// Explicit config URLs win over region selection.
func Endpoints(cfg tele_config.Config) (apiURL, streamURL string, err error) {
	apiURL = cfg.APIURL
	streamURL = cfg.StreamURL
	if apiURL != "" && streamURL != "" {
		return apiURL, streamURL, nil
	}
	if !regions[cfg.Region] {
		return "", "", errors.NotValidf("config tele region=%q", cfg.Region)
	}
	if apiURL == "" {
		apiURL = fmt.Sprintf("https://%s-api.cloudtele.io", cfg.Region)
	}
	if streamURL == "" {
		streamURL = fmt.Sprintf("wss://%s-stream.cloudtele.io/api/ws", cfg.Region)
	}
	return apiURL, streamURL, nil
}

// CredentialsFromConfig is the default credentials provider.
func CredentialsFromConfig(cfg tele_config.Config) (tele.Credentials, error) {
	if cfg.Email == "" || cfg.Password == "" {
		return tele.Credentials{}, errors.NotValidf("config tele email/password")
	}
	return tele.Credentials{Email: cfg.Email, Password: cfg.Password, Region: cfg.Region}, nil
}
