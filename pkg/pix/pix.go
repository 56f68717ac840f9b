// Package pix builds and parses BR Code (EMV merchant-presented) payloads for
// PIX transfers. The payload is rendered as a QR code and scanned by the payer's
// banking app, so every byte matters.
package pix

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	tagPayloadFormat   = "00"
	tagMerchantAccount = "26"
	tagMCC             = "52"
	tagCurrency        = "53"
	tagAmount          = "54"
	tagCountry         = "58"
	tagMerchantName    = "59"
	tagMerchantCity    = "60"
	tagAdditionalData  = "62"
	tagCRC             = "63"

	subtagGUI         = "00"
	subtagKey         = "01"
	subtagDescription = "02"
	subtagTxID        = "05"

	payloadFormat = "01"
	gui           = "br.gov.bcb.pix"
	mccUnset      = "0000"
	currencyBRL   = "986"
	countryBR     = "BR"
	txIDWildcard  = "***"

	maxMerchantName = 25
	maxMerchantCity = 15
	maxTxID         = 25
	maxFieldLength  = 99

	crcPrefix = tagCRC + "04"
)

var (
	ErrMissingKey      = errors.New("pix: key is required")
	ErrMissingMerchant = errors.New("pix: merchant name and city are required")
	ErrNegativeAmount  = errors.New("pix: amount must not be negative")
	ErrFieldTooLong    = errors.New("pix: field exceeds 99 characters")
	ErrChecksum        = errors.New("pix: checksum mismatch")
	ErrMalformed       = errors.New("pix: malformed payload")
)

// Payload is the set of fields encoded into a static or dynamic BR Code.
type Payload struct {
	Key          string
	Description  string
	MerchantName string
	MerchantCity string
	// Amount is omitted from the payload when zero, letting the payer type it.
	Amount decimal.Decimal
	TxID   string
}

// Encode renders p as a BR Code string terminated by 6304 and its CRC.
func Encode(p Payload) (string, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return "", ErrMissingKey
	}
	name := truncate(asciiFold(p.MerchantName), maxMerchantName)
	city := truncate(asciiFold(p.MerchantCity), maxMerchantCity)
	if name == "" || city == "" {
		return "", ErrMissingMerchant
	}
	if p.Amount.IsNegative() {
		return "", ErrNegativeAmount
	}

	account := []field{{subtagGUI, gui}, {subtagKey, key}}
	if desc := strings.TrimSpace(p.Description); desc != "" {
		account = append(account, field{subtagDescription, desc})
	}
	accountValue, err := render(account)
	if err != nil {
		return "", err
	}

	additional, err := render([]field{{subtagTxID, sanitizeTxID(p.TxID)}})
	if err != nil {
		return "", err
	}

	fields := []field{
		{tagPayloadFormat, payloadFormat},
		{tagMerchantAccount, accountValue},
		{tagMCC, mccUnset},
		{tagCurrency, currencyBRL},
	}
	if !p.Amount.IsZero() {
		fields = append(fields, field{tagAmount, FormatAmount(p.Amount)})
	}
	fields = append(fields,
		field{tagCountry, countryBR},
		field{tagMerchantName, name},
		field{tagMerchantCity, city},
		field{tagAdditionalData, additional},
	)

	body, err := render(fields)
	if err != nil {
		return "", err
	}
	body += crcPrefix
	return body + Checksum(body), nil
}

// FormatAmount renders an amount with exactly two decimal places.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

// Verify reports whether payload ends in a CRC matching its contents.
func Verify(payload string) bool {
	if len(payload) < len(crcPrefix)+4 {
		return false
	}
	split := len(payload) - 4
	if payload[split-len(crcPrefix):split] != crcPrefix {
		return false
	}
	return strings.EqualFold(payload[split:], Checksum(payload[:split]))
}

// Decode parses a payload produced by Encode, or any BR Code using the same
// tags, after checking its CRC.
func Decode(payload string) (*Payload, error) {
	if !Verify(payload) {
		return nil, ErrChecksum
	}
	top, err := parse(payload[:len(payload)-4-len(crcPrefix)])
	if err != nil {
		return nil, err
	}
	if top[tagPayloadFormat] != payloadFormat {
		return nil, fmt.Errorf("%w: unsupported payload format %q", ErrMalformed, top[tagPayloadFormat])
	}

	account, err := parse(top[tagMerchantAccount])
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(account[subtagGUI], gui) {
		return nil, fmt.Errorf("%w: unexpected merchant account gui %q", ErrMalformed, account[subtagGUI])
	}

	out := &Payload{
		Key:          account[subtagKey],
		Description:  account[subtagDescription],
		MerchantName: top[tagMerchantName],
		MerchantCity: top[tagMerchantCity],
	}
	if raw, ok := top[tagAmount]; ok {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q", ErrMalformed, raw)
		}
		out.Amount = amount
	}
	if raw, ok := top[tagAdditionalData]; ok {
		additional, err := parse(raw)
		if err != nil {
			return nil, err
		}
		if txid := additional[subtagTxID]; txid != txIDWildcard {
			out.TxID = txid
		}
	}
	return out, nil
}

// Checksum returns CRC-16/CCITT-FALSE of s as four uppercase hex digits.
func Checksum(s string) string {
	return fmt.Sprintf("%04X", CRC16([]byte(s)))
}

// CRC16 computes CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, MSB first, no
// reflection and no final xor.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

type field struct {
	tag   string
	value string
}

func render(fields []field) (string, error) {
	var b strings.Builder
	for _, f := range fields {
		if len(f.value) > maxFieldLength {
			return "", fmt.Errorf("%w: tag %s", ErrFieldTooLong, f.tag)
		}
		b.WriteString(f.tag)
		fmt.Fprintf(&b, "%02d", len(f.value))
		b.WriteString(f.value)
	}
	return b.String(), nil
}

func parse(s string) (map[string]string, error) {
	out := map[string]string{}
	for i := 0; i < len(s); {
		if i+4 > len(s) {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrMalformed, i)
		}
		tag := s[i : i+2]
		n, err := strconv.Atoi(s[i+2 : i+4])
		if err != nil {
			return nil, fmt.Errorf("%w: bad length for tag %s", ErrMalformed, tag)
		}
		i += 4
		if i+n > len(s) {
			return nil, fmt.Errorf("%w: tag %s overruns payload", ErrMalformed, tag)
		}
		out[tag] = s[i : i+n]
		i += n
	}
	return out, nil
}

// asciiFold strips accents so lengths are byte counts that wallets agree on.
func asciiFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		folded = s
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, folded)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return strings.TrimSpace(s[:max])
	}
	return s
}

func sanitizeTxID(raw string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, raw)
	if cleaned == "" {
		return txIDWildcard
	}
	return truncate(cleaned, maxTxID)
}
