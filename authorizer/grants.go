package authorizer

import "net/url"

const installedClientGrant = "https://oauth.reddit.com/grants/installed_client"

// buildGrantParams constructs the form body for the grants that go
// through the raw token-endpoint POST rather than an x/oauth2 flow:
// Reddit's installed_client grant (a custom grant_type URI) and the
// password grant (OTP appended to the password per attempt).
func (a *Authorizer) buildGrantParams() (url.Values, error) {
	switch a.kind {
	case ReadOnly:
		// Trusted ReadOnly goes through client_credentials in
		// package auth; only the untrusted variant lands here.
		params := url.Values{}
		params.Set("grant_type", installedClientGrant)
		params.Set("device_id", a.deviceID)
		return params, nil

	case DeviceID:
		params := url.Values{}
		params.Set("grant_type", installedClientGrant)
		params.Set("device_id", a.deviceID)
		return params, nil

	case Script:
		password := a.password
		if a.twoFactor != nil {
			otp, err := a.twoFactor()
			if err != nil {
				return nil, err
			}
			if otp != "" {
				password = password + ":" + otp
			}
		}
		params := url.Values{}
		params.Set("grant_type", "password")
		params.Set("username", a.username)
		params.Set("password", password)
		return params, nil

	default:
		return nil, &InvalidInvocation{Reason: "unsupported authorizer kind"}
	}
}
