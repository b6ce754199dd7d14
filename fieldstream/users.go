package fieldstream

import (
	"bytes"
	"regexp"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// viewer and owner identities live in the host system.
// the engine resolves them through this interface only.
type Users interface {
	ById(userId Id) *User
	// resolves a username, an email, or a "Name <email>" reference
	Lookup(ref string) *User
	InGroup(user *User, group string) bool
	Group(group string) []*User
}

type User struct {
	UserId Id
	Name   string
	Email  string
	Groups []string
}

var userRefRe = regexp.MustCompile(`^(.+) <(.+)>$`)
var emailRe = regexp.MustCompile(`^.*?([a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+).*$`)

type UserDirectory struct {
	mutex sync.Mutex
	users map[Id]*User
}

func NewUserDirectory() *UserDirectory {
	return &UserDirectory{
		users: map[Id]*User{},
	}
}

func (self *UserDirectory) Add(user *User) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.users[user.UserId] = user
}

func (self *UserDirectory) ById(userId Id) *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.users[userId]
}

func (self *UserDirectory) Lookup(ref string) *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, user := range self.users {
		if user.Name == ref {
			return user
		}
	}
	for _, user := range self.users {
		if user.Email != "" && user.Email == ref {
			return user
		}
	}
	if m := userRefRe.FindStringSubmatch(ref); m != nil {
		for _, user := range self.users {
			if user.Email != "" && user.Email == m[2] {
				return user
			}
		}
	}
	if m := emailRe.FindStringSubmatch(ref); m != nil {
		for _, user := range self.users {
			if user.Email != "" && user.Email == m[1] {
				return user
			}
		}
	}
	return nil
}

func (self *UserDirectory) InGroup(user *User, group string) bool {
	if user == nil {
		return false
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	current, ok := self.users[user.UserId]
	if !ok {
		return false
	}
	return slices.Contains(current.Groups, group)
}

func (self *UserDirectory) Group(group string) []*User {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	members := []*User{}
	for _, userId := range sortedKeys(self.users) {
		user := self.users[userId]
		if slices.Contains(user.Groups, group) {
			members = append(members, user)
		}
	}
	return members
}

// stable iteration order for group fan-in
func sortedKeys(users map[Id]*User) []Id {
	userIds := maps.Keys(users)
	slices.SortFunc(userIds, func(a Id, b Id) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	return userIds
}
