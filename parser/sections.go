package parser

import "strings"

// splitPageIntoSections breaks a page (or, for LlamaParse, a whole document's
// markdown) into logical sections by detecting heading-like lines.
func splitPageIntoSections(text string, pageNum int) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var currentContent strings.Builder
	var currentHeading string
	currentLevel := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			continue
		}

		// Detect headings: all-caps lines, numbered sections, short bold-like lines
		if isLikelyHeading(trimmed) {
			// Save previous section
			if currentContent.Len() > 0 || currentHeading != "" {
				sections = append(sections, Section{
					Heading:    currentHeading,
					Content:    strings.TrimSpace(currentContent.String()),
					Level:      currentLevel,
					PageNumber: pageNum,
					Type:       classifySectionType(currentHeading, currentContent.String()),
				})
				currentContent.Reset()
			}
			currentHeading = trimmed
			currentLevel = detectHeadingLevel(trimmed)
		} else {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			currentContent.WriteString(trimmed)
		}
	}

	// Final section — save even if content is empty so trailing headings
	// are not silently dropped (they provide context for the next page's content).
	if currentContent.Len() > 0 || currentHeading != "" {
		sections = append(sections, Section{
			Heading:    currentHeading,
			Content:    strings.TrimSpace(currentContent.String()),
			Level:      currentLevel,
			PageNumber: pageNum,
			Type:       classifySectionType(currentHeading, currentContent.String()),
		})
	}

	// Merge empty-content sections into the next section. When a parent
	// heading (e.g. "3.9.1 Modelo A") has no body because the next line is
	// a sub-heading (e.g. "3.9.1.1 Material de Fabricación:"), prepend the
	// parent heading so the model name stays co-located with spec data.
	for i := len(sections) - 2; i >= 0; i-- {
		if sections[i].Content == "" && sections[i].Heading != "" &&
			i+1 < len(sections) && sections[i+1].Level > sections[i].Level {
			if sections[i+1].Heading != "" {
				sections[i+1].Heading = sections[i].Heading + " — " + sections[i+1].Heading
			} else {
				sections[i+1].Heading = sections[i].Heading
			}
			sections[i+1].Level = sections[i].Level
			sections = append(sections[:i], sections[i+1:]...)
		}
	}

	// If no sections were created, return the whole page as one section
	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		sections = append(sections, Section{
			Content:    text,
			PageNumber: pageNum,
			Type:       "paragraph",
		})
	}

	return sections
}

func isLikelyHeading(line string) bool {
	// All caps and short
	if len(line) < 100 && line == strings.ToUpper(line) && len(line) > 2 {
		return true
	}
	// Numbered section like "1.", "1.1", "1.1.1", "3.9.1", "7.3.1.2"
	if len(line) < 120 {
		if len(line) > 0 && line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
			return true
		}
		lower := strings.ToLower(line)
		// English heading prefixes
		if strings.HasPrefix(lower, "section ") || strings.HasPrefix(lower, "article ") ||
			strings.HasPrefix(lower, "chapter ") || strings.HasPrefix(lower, "part ") {
			return true
		}
		// Spanish heading prefixes
		if strings.HasPrefix(lower, "sección ") || strings.HasPrefix(lower, "seccion ") ||
			strings.HasPrefix(lower, "capítulo ") || strings.HasPrefix(lower, "capitulo ") ||
			strings.HasPrefix(lower, "anexo ") {
			return true
		}
		// Portuguese heading prefixes
		if strings.HasPrefix(lower, "seção ") || strings.HasPrefix(lower, "secao ") ||
			strings.HasPrefix(lower, "capítulo ") || // same as Spanish
			strings.HasPrefix(lower, "artigo ") ||
			strings.HasPrefix(lower, "anexo ") { // same as Spanish
			return true
		}
		// French heading prefixes
		if strings.HasPrefix(lower, "chapitre ") || strings.HasPrefix(lower, "partie ") ||
			strings.HasPrefix(lower, "annexe ") || strings.HasPrefix(lower, "article ") { // "article" also English
			return true
		}
		// "Tabla/Tabela/Tableau N..." / "Figura/Figure N..." — only when
		// followed by a digit to avoid matching mid-paragraph text.
		for _, prefix := range []string{
			"tabla ", "tabela ", "tableau ", // es, pt, fr
			"figura ", "figure ", // es/pt, en/fr
			"cuadro ", "quadro ", "gráfico ", "graphique ", // es, pt, es, fr
		} {
			if strings.HasPrefix(lower, prefix) {
				afterPrefix := len(prefix)
				if len(lower) > afterPrefix && lower[afterPrefix] >= '0' && lower[afterPrefix] <= '9' {
					return true
				}
			}
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		dots := strings.Count(parts[0], ".")
		if dots > 0 {
			return dots
		}
	}
	// All-caps = top level
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

// classifySectionType tags a section by content, shared between PDF-derived
// (LlamaParse) and office-document sections so retrieval rationale and
// downstream filtering treat both uniformly.
func classifySectionType(heading, content string) string {
	headingLower := strings.ToLower(heading)
	contentLower := strings.ToLower(content)

	// Definition: check heading and content for definition-related keywords
	if strings.Contains(headingLower, "definition") || strings.Contains(headingLower, "definición") ||
		strings.Contains(headingLower, "glosario") || strings.Contains(headingLower, "glossary") ||
		strings.Contains(contentLower, "definition") || strings.Contains(contentLower, "definición") {
		return "definition"
	}
	// Requirement: check heading and content for requirement-related keywords
	if strings.Contains(headingLower, "shall") || strings.Contains(headingLower, "must") || strings.Contains(headingLower, "requirement") ||
		strings.Contains(headingLower, "requisito") || strings.Contains(headingLower, "especificación") ||
		strings.Contains(contentLower, "shall") || strings.Contains(contentLower, "must") || strings.Contains(contentLower, "requirement") ||
		strings.Contains(contentLower, "requisito") || strings.Contains(contentLower, "especificación") {
		return "requirement"
	}
	// Table: check heading for table keywords
	if strings.Contains(headingLower, "table") || strings.Contains(headingLower, "tabla") {
		return "table"
	}
	// Structural table detection via content: tabs/pipes indicate actual table formatting
	if strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	if strings.Contains(headingLower, "anexo") || strings.Contains(headingLower, "annex") {
		return "annex"
	}
	return "section"
}
