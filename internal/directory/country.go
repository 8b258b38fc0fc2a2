package directory

// Country identifies a gateway location by its ISO-3166 alpha-2 code.
type Country struct {
	ISOCode string
	Name    string
}

func (c Country) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ISOCode
}
