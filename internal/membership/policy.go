// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

package membership

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Password length bounds, counted in characters.
const (
	MinPasswordLength = 12
	MaxPasswordLength = 64
)

// emailLocalPattern is the accepted shape of a mailbox name.
var emailLocalPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{8,32}$`)

// reservedEmails are mailbox names that may never be registered.
var reservedEmails = []string{"info", "self"}

// PasswordMatchesPolicy reports whether password has an acceptable length.
func PasswordMatchesPolicy(password string) bool {
	n := utf8.RuneCountInString(password)
	return n >= MinPasswordLength && n <= MaxPasswordLength
}

// EmailMatchesPolicy reports whether email is an acceptable mailbox name.
func EmailMatchesPolicy(email string) bool {
	for _, r := range reservedEmails {
		if strings.EqualFold(email, r) {
			return false
		}
	}
	return emailLocalPattern.MatchString(email)
}

// UserType is the membership level of a user.
type UserType string

// Known user types.
const (
	UserTypeAdmin   UserType = "admin"
	UserTypeLimited UserType = "limited"
	UserTypeOwner   UserType = "owner"
	UserTypeRegular UserType = "regular"
)

var userTypes = []UserType{UserTypeAdmin, UserTypeLimited, UserTypeOwner, UserTypeRegular}

// ParseUserType maps s (case-insensitive) to a known UserType.
func ParseUserType(s string) (UserType, bool) {
	for _, t := range userTypes {
		if strings.EqualFold(s, string(t)) {
			return t, true
		}
	}
	return "", false
}

// UserTypeIsValid reports whether s names a known user type (case-insensitive).
func UserTypeIsValid(s string) bool {
	_, ok := ParseUserType(s)
	return ok
}

