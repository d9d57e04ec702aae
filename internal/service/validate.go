package service

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	msgRequired       = "This field may not be blank."
	msgUsernameChars  = "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters."
	msgUsernameTaken  = "A user with that username already exists."
	msgEmailInvalid   = "Enter a valid email address."
	msgEmailTaken     = "A user with that email already exists."
	msgPasswordShort  = "This password is too short. It must contain at least 8 characters."
	msgPhoneInvalid   = "Enter a valid phone number."
	maxNameLength     = 150
	maxPhoneLength    = 15
	minPasswordLength = 8
)

var (
	usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)
	phonePattern    = regexp.MustCompile(`^\+?[0-9 ()-]+$`)
)

func tooLong(n int) string {
	return fmt.Sprintf("Ensure this field has no more than %d characters.", n)
}

func checkUsername(errs fieldErrors, username string) {
	switch {
	case strings.TrimSpace(username) == "":
		errs.add("username", msgRequired)
	case utf8.RuneCountInString(username) > maxNameLength:
		errs.add("username", tooLong(maxNameLength))
	case !usernamePattern.MatchString(username):
		errs.add("username", msgUsernameChars)
	}
}

func checkEmail(errs fieldErrors, email string) {
	if email == "" {
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		errs.add("email", msgEmailInvalid)
	}
}

func checkPassword(errs fieldErrors, password string) {
	switch {
	case password == "":
		errs.add("password", msgRequired)
	case utf8.RuneCountInString(password) < minPasswordLength:
		errs.add("password", msgPasswordShort)
	}
}

func checkName(errs fieldErrors, field, value string) {
	if utf8.RuneCountInString(value) > maxNameLength {
		errs.add(field, tooLong(maxNameLength))
	}
}

func checkPhone(errs fieldErrors, phone string) {
	if phone == "" {
		return
	}
	if len(phone) > maxPhoneLength {
		errs.add("phone", tooLong(maxPhoneLength))
		return
	}
	if !phonePattern.MatchString(phone) {
		errs.add("phone", msgPhoneInvalid)
	}
}
