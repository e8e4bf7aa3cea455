package schema

import "strings"

// NamingStrategy maps entity and property names to storage names
type NamingStrategy interface {
	TableName(entity string) string
	ColumnName(property string) string
	ForeignKey(relation string, targetPK string) string
	JoinTableName(owner, property, target string) string
	JoinColumn(entity string, targetPK string) string
}

// UnderscoreNamingStrategy uses snake_case for every storage name
type UnderscoreNamingStrategy struct{}

// TableName returns the snake_case entity name ("BookTag" -> "book_tag")
func (UnderscoreNamingStrategy) TableName(entity string) string {
	return toSnakeCase(entity)
}

// ColumnName returns the snake_case property name
func (UnderscoreNamingStrategy) ColumnName(property string) string {
	return toSnakeCase(property)
}

// ForeignKey returns "<relation>_<pk>" ("author", "id" -> "author_id")
func (UnderscoreNamingStrategy) ForeignKey(relation string, targetPK string) string {
	return toSnakeCase(relation) + "_" + toSnakeCase(targetPK)
}

// JoinTableName returns "<owner>_<property>" ("Book", "tags" -> "book_tags")
func (UnderscoreNamingStrategy) JoinTableName(owner, property, target string) string {
	return toSnakeCase(owner) + "_" + toSnakeCase(property)
}

// JoinColumn returns "<entity>_<pk>" ("BookTag", "id" -> "book_tag_id")
func (UnderscoreNamingStrategy) JoinColumn(entity string, targetPK string) string {
	return toSnakeCase(entity) + "_" + toSnakeCase(targetPK)
}

// toSnakeCase converts a string to snake_case
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			// camelCase boundary, or the end of an acronym ("HTTPServer" -> "http_server")
			if prev >= 'a' && prev <= 'z' || prev >= '0' && prev <= '9' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' && prev != '_' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return strings.ReplaceAll(string(result), "__", "_")
}
