package models

type SearchResultType string

const (
	SearchChat    SearchResultType = "chat"
	SearchMessage SearchResultType = "message"
	SearchUser    SearchResultType = "user"
)

type SearchResult struct {
	Type      SearchResultType
	Chat      *Chat
	Message   *Message
	User      *User
	Relevance int
}

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}
