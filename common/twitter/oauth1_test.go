package twitter

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference request from Twitter's "Creating a signature" guide.
func TestOAuth1SignatureReferenceVector(t *testing.T) {
	s := &oauth1Signer{
		consumerKey:    "xvz1evFS4wEEPTGEFPHBog",
		consumerSecret: "kAcSOqF21Fu85e7zjz7ZN2U4ZRhfV3WpwPAoE3Z7kBw",
		token:          "370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb",
		tokenSecret:    "LswwdoUaIvS8ltyTt5jkRh4J50vUPVVHtR2YPi5kE",
		now:            func() time.Time { return time.Unix(1318622958, 0) },
		nonce:          func() string { return "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg" },
	}

	header, err := s.authorization("POST", "https://api.twitter.com/1.1/statuses/update.json?include_entities=true", url.Values{
		"status": {"Hello Ladies + Gentlemen, a signed OAuth request!"},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, "OAuth "))
	assert.Contains(t, header, `oauth_signature="hCtSmYh%2BiHYCEqBWrE7C7hYmtUk%3D"`)
	assert.Contains(t, header, `oauth_token="370773112-GmHxMAgYyLbNEtIKZeRNFsMKPR9EyMZeS9weJAEb"`)
}

func TestPercentEncode(t *testing.T) {
	for in, want := range map[string]string{
		"Ladies + Gentlemen": "Ladies%20%2B%20Gentlemen",
		"An encoded string!": "An%20encoded%20string%21",
		"Dogs, Cats & Mice":  "Dogs%2C%20Cats%20%26%20Mice",
		"tilde~star*":        "tilde~star%2A",
	} {
		assert.Equal(t, want, percentEncode(in), in)
	}
}
