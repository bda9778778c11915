package workflow

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

var givenNames = []string{
	"James", "Mary", "Robert", "Patricia", "John", "Jennifer", "Michael",
	"Linda", "David", "Elizabeth", "William", "Barbara", "Richard", "Susan",
	"Joseph", "Jessica", "Thomas", "Sarah", "Daniel", "Karen",
}

var surnames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Rodriguez", "Martinez", "Wilson", "Anderson", "Taylor",
	"Thomas", "Moore", "Jackson", "Martin", "Lee", "Thompson", "White",
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func randSeq(rnd *rand.Rand, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rnd.Intn(len(letters))]
	}
	return string(b)
}

// Identity - form fields an attempt submits during registration.
type Identity struct {
	GivenName string
	Surname   string
	Username  string
	Password  string
	BirthDate string
	Gender    string
}

// NewIdentity generates one registration identity.
func NewIdentity() Identity {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	given := givenNames[rnd.Intn(len(givenNames))]
	surname := surnames[rnd.Intn(len(surnames))]
	username := fmt.Sprintf("%s.%s%04d", strings.ToLower(given), strings.ToLower(surname), rnd.Intn(10000))
	year := 1985 + rnd.Intn(20)
	month := 1 + rnd.Intn(12)
	day := 1 + rnd.Intn(28)
	gender := "Female"
	if rnd.Intn(2) == 0 {
		gender = "Male"
	}
	return Identity{
		GivenName: given,
		Surname:   surname,
		Username:  username,
		Password:  randSeq(rnd, 12),
		BirthDate: fmt.Sprintf("%02d/%02d/%d", month, day, year),
		Gender:    gender,
	}
}

// Fields ...
func (id Identity) Fields() map[string]string {
	return map[string]string{
		"givenName": id.GivenName,
		"surname":   id.Surname,
		"username":  id.Username,
		"password":  id.Password,
		"birthDate": id.BirthDate,
		"gender":    id.Gender,
	}
}
