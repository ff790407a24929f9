package transform

import (
	"regexp"
	"strconv"
)

// RootPath addresses the whole document
const RootPath = "$"

var plainKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ChildPath returns the path of key inside the object at parent
func ChildPath(parent, key string) string {
	if plainKey.MatchString(key) {
		return parent + "." + key
	}
	return parent + "[" + strconv.Quote(key) + "]"
}

// IndexPath returns the path of element i inside the array at parent
func IndexPath(parent string, i int) string {
	return parent + "[" + strconv.Itoa(i) + "]"
}
