package session

import (
	"reflect"
	"testing"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

func TestSplitCommand(t *testing.T) {
	verb, arg := splitCommand("EHLO mail.example.org")
	tcompare(t, verb, "EHLO")
	tcompare(t, arg, "mail.example.org")

	verb, arg = splitCommand("MAIL FROM:<a@b.org> BODY=8BITMIME")
	tcompare(t, verb, "MAIL FROM")
	tcompare(t, arg, "<a@b.org> BODY=8BITMIME")

	verb, arg = splitCommand("RCPT TO:<a@b.org>")
	tcompare(t, verb, "RCPT TO")
	tcompare(t, arg, "<a@b.org>")

	verb, arg = splitCommand("QUIT")
	tcompare(t, verb, "QUIT")
	tcompare(t, arg, "")

	verb, arg = splitCommand("MAIL")
	tcompare(t, verb, "MAIL")
	tcompare(t, arg, "")
}

func TestSplitMailParams(t *testing.T) {
	path, params := splitMailParams("<a@b.org> BODY=8BITMIME SIZE=100")
	tcompare(t, path, "<a@b.org>")
	tcompare(t, params, []mailParam{{key: "SIZE", value: "100"}, {key: "BODY", value: "8BITMIME"}})

	path, params = splitMailParams("<>")
	tcompare(t, path, "<>")
	tcompare(t, params, []mailParam(nil))

	path, params = splitMailParams("")
	tcompare(t, path, "")
	tcompare(t, params, []mailParam(nil))
}
