package chunker

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
)

// EmailConfig controls email chunking.
type EmailConfig struct {
	MaxTokens    int
	OverlapRatio float64
}

// DefaultEmailConfig mirrors the reference implementation's defaults.
func DefaultEmailConfig() EmailConfig {
	return EmailConfig{MaxTokens: 700, OverlapRatio: 0.15}
}

// EmailMetadata holds the RFC-822 headers persisted alongside a message's
// chunks. They are stored in the document row's metadata; the chunks
// themselves hold only the message body.
type EmailMetadata struct {
	From    string
	To      string
	CC      string
	Subject string
	Date    string
}

var quoteIntroPattern = regexp.MustCompile(`(?i)^On .*wrote:$`)

// ParseEmail parses a raw .eml message, returning its headers and the
// extracted plain-text body (preferring all text/plain parts for a
// multipart message, then falling back to the first text/* part).
func ParseEmail(raw []byte) (EmailMetadata, string, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return EmailMetadata{}, "", fmt.Errorf("parsing message: %w", err)
	}

	meta := EmailMetadata{
		From:    msg.Header.Get("From"),
		To:      msg.Header.Get("To"),
		CC:      msg.Header.Get("Cc"),
		Subject: msg.Header.Get("Subject"),
		Date:    msg.Header.Get("Date"),
	}

	body, err := extractBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return meta, "", err
	}
	return meta, body, nil
}

func extractBody(contentType, transferEncoding string, body io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// No/invalid Content-Type: treat as plain text per RFC-822 default.
		data, readErr := io.ReadAll(body)
		if readErr != nil {
			return "", readErr
		}
		return string(data), nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return extractMultipart(params["boundary"], body)
	}

	data, err := decodeBody(body, transferEncoding)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(mediaType, "text/") {
		return data, nil
	}
	return "", nil
}

// extractMultipart walks every part. It prefers joining all text/plain
// parts; if none exist, it falls back to the first text/* part found.
func extractMultipart(boundary string, body io.Reader) (string, error) {
	if boundary == "" {
		return "", fmt.Errorf("multipart message missing boundary")
	}

	reader := multipart.NewReader(body, boundary)
	var plainParts []string
	var firstTextPart string
	haveFirstText := false

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading multipart part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		mediaType, _, err := mime.ParseMediaType(partContentType)
		if err != nil {
			mediaType = "text/plain"
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			_, nestedParams, _ := mime.ParseMediaType(partContentType)
			nested, nestedErr := extractMultipart(nestedParams["boundary"], part)
			if nestedErr == nil && nested != "" {
				plainParts = append(plainParts, nested)
			}
			continue
		}

		data, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			continue
		}

		if mediaType == "text/plain" {
			plainParts = append(plainParts, data)
		} else if strings.HasPrefix(mediaType, "text/") && !haveFirstText {
			firstTextPart = data
			haveFirstText = true
		}
	}

	if len(plainParts) > 0 {
		return strings.Join(plainParts, "\n"), nil
	}
	return firstTextPart, nil
}

func decodeBody(r io.Reader, transferEncoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		data, err := io.ReadAll(quotedprintable.NewReader(r))
		return string(data), err
	default:
		data, err := io.ReadAll(r)
		return string(data), err
	}
}

// StripQuotes removes quoted reply text: lines starting with ">" and the
// "On ... wrote:" attribution line that introduces a quoted block, up to
// the next blank line.
func StripQuotes(body string) string {
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cleaned []string
	skipBlock := false

	for scanner.Scan() {
		line := scanner.Text()
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(stripped, ">") || quoteIntroPattern.MatchString(stripped) {
			skipBlock = true
		}
		if skipBlock && stripped == "" {
			skipBlock = false
			continue
		}
		if skipBlock {
			continue
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// ChunkEmail splits a cleaned email body into flat paragraph chunks using
// the same greedy-accumulation-with-overlap policy as the PDF and markdown
// chunkers, but with no line/page locator — email chunks carry only their
// document-scoped ordinal.
func ChunkEmail(body string, cfg EmailConfig) []Chunk {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultEmailConfig()
	}
	overlapTokens := int(float64(cfg.MaxTokens) * cfg.OverlapRatio)
	if overlapTokens < 1 {
		overlapTokens = 1
	}

	paragraphs := splitParagraphs(body)
	if len(paragraphs) == 0 {
		return nil
	}

	tokenCounts := make([]int, len(paragraphs))
	for i, p := range paragraphs {
		tokenCounts[i] = countTokens(p)
	}

	var chunks []Chunk
	total := len(paragraphs)
	cursor := 0

	for cursor < total {
		tokenSum := 0
		end := cursor
		for end < total && tokenSum < cfg.MaxTokens {
			tokenSum += tokenCounts[end]
			end++
		}

		text := strings.TrimSpace(strings.Join(paragraphs[cursor:end], "\n\n"))
		if text != "" {
			chunks = append(chunks, Chunk{
				Content:     text,
				TokenCount:  countTokens(text),
				ContentHash: contentHash(text),
			})
		}

		if end >= total {
			break
		}

		overlap := computeOverlapUnits(tokenCounts[cursor:end], overlapTokens)
		nextCursor := end - overlap
		if nextCursor < cursor+1 {
			nextCursor = cursor + 1
		}
		cursor = nextCursor
	}

	return chunks
}
