package mail

import "fmt"

func PasswordResetMessage(to, from, resetURL string) Message {
	return Message{
		To:      to,
		From:    from,
		Subject: "Password reset",
		HTML: fmt.Sprintf(
			`<p>You requested a password reset</p>
			<p>Click this <a href=%q>link</a> to set a new password</p>`,
			resetURL,
		),
	}
}

func WelcomeMessage(to, from string) Message {
	return Message{
		To:      to,
		From:    from,
		Subject: "Signup succeeded!",
		HTML:    "<h1>You successfully signed up!</h1>",
	}
}
