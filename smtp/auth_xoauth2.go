// SPDX-FileCopyrightText: Copyright (c) The go-mail Authors
//
// SPDX-License-Identifier: MIT

package smtp

type xoauth2Auth struct {
	username, token string
}

// XOAuth2Auth returns an [Auth] that implements the XOAuth2 authentication
// mechanism as defined in the following specs:
//
// https://developers.google.com/gmail/imap/xoauth2-protocol
// https://learn.microsoft.com/en-us/exchange/client-developer/legacy-protocols/how-to-authenticate-an-imap-pop-smtp-application-by-using-oauth
//
// The token is sent as the initial response. XOAUTH2 has no cancel message, so the
// Client answers the JSON error challenge with an empty line and reads the final reply.
func XOAuth2Auth(username, token string) Auth {
	return &xoauth2Auth{username, token}
}

func (a *xoauth2Auth) Start(_ *ServerInfo) (string, []byte, error) {
	resp := make([]byte, 0, len(a.username)+len(a.token)+20)
	resp = append(resp, "user="...)
	resp = append(resp, a.username...)
	resp = append(resp, "\x01auth=Bearer "...)
	resp = append(resp, a.token...)
	resp = append(resp, "\x01\x01"...)
	return MechanismXOAuth2.String(), resp, nil
}

// Next acknowledges the error challenge with an empty response
func (a *xoauth2Auth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return []byte{}, nil
	}
	return nil, nil
}
