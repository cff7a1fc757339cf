package protocol_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/nsqc/protocol"
)

func encode(frame protocol.Frame) []byte {
	b, err := protocol.AppendFrame(nil, frame)
	Expect(err).To(Succeed())
	return b
}

var _ = Describe("Parsing", func() {
	var id protocol.MessageID
	copy(id[:], []byte("0123456789abcdef"))

	Describe("Decoder", func() {
		frames := []protocol.Frame{
			&protocol.Response{Msg: []byte("OK")},
			&protocol.Response{Msg: []byte("_heartbeat_")},
			&protocol.Response{Msg: []byte{}},
			&protocol.Error{Raw: []byte("E_INVALID cannot SUB in current state")},
			&protocol.Message{Timestamp: 1633000000000000000, Attempts: 3, ID: id, Body: []byte("hello")},
			&protocol.Message{Timestamp: -1, Attempts: 65535, ID: id, Body: []byte{}},
		}

		It("decodes what it encodes", func() {
			for _, frame := range frames {
				dec := protocol.NewDecoder(0)
				dec.Feed(encode(frame))

				decoded, err := dec.Next()
				Expect(err).To(Succeed())
				Expect(decoded).To(Equal(frame))
				Expect(dec.Buffered()).To(Equal(0))
			}
		})

		It("returns nothing until a frame is complete when fed one byte at a time", func() {
			for _, frame := range frames {
				dec := protocol.NewDecoder(0)
				data := encode(frame)

				for i, b := range data {
					dec.Feed([]byte{b})

					decoded, err := dec.Next()
					Expect(err).To(Succeed())

					if i < len(data)-1 {
						Expect(decoded).To(BeNil())
						continue
					}

					Expect(decoded).To(Equal(frame))
				}

				decoded, err := dec.Next()
				Expect(err).To(Succeed())
				Expect(decoded).To(BeNil())
			}
		})

		It("consumes exactly one frame at a time", func() {
			dec := protocol.NewDecoder(0)
			dec.Feed(append(encode(frames[0]), encode(frames[4])...))

			first, err := dec.Next()
			Expect(err).To(Succeed())
			Expect(first).To(Equal(frames[0]))
			Expect(dec.Buffered()).To(Equal(len(encode(frames[4]))))

			second, err := dec.Next()
			Expect(err).To(Succeed())
			Expect(second).To(Equal(frames[4]))
		})

		It("hands back the unconsumed bytes on Drain()", func() {
			dec := protocol.NewDecoder(0)
			dec.Feed(append(encode(frames[0]), 0xff, 0x06))

			_, err := dec.Next()
			Expect(err).To(Succeed())
			Expect(dec.Drain()).To(Equal([]byte{0xff, 0x06}))
			Expect(dec.Buffered()).To(Equal(0))
		})

		It("returns an error for an unknown frame type", func() {
			dec := protocol.NewDecoder(0)
			dec.Feed([]byte("\x00\x00\x00\x06\x00\x00\x00\x07OK"))

			_, err := dec.Next()
			Expect(errors.Is(err, protocol.ErrUnknownFrameType)).To(BeTrue())
		})

		It("returns an error if the size can't hold the frame type", func() {
			dec := protocol.NewDecoder(0)
			dec.Feed([]byte("\x00\x00\x00\x02\x00\x00\x00\x00"))

			_, err := dec.Next()
			Expect(errors.Is(err, protocol.ErrFrameTooShort)).To(BeTrue())
		})

		It("returns an error if the frame is larger than allowed", func() {
			dec := protocol.NewDecoder(16)
			dec.Feed([]byte("\x00\x00\x01\x00\x00\x00\x00\x00"))

			_, err := dec.Next()
			Expect(errors.Is(err, protocol.ErrFrameTooLarge)).To(BeTrue())
		})

		It("returns an error if a message is shorter than its header", func() {
			dec := protocol.NewDecoder(0)
			dec.Feed([]byte("\x00\x00\x00\x08\x00\x00\x00\x02abcd"))

			_, err := dec.Next()
			Expect(errors.Is(err, protocol.ErrMessageTooShort)).To(BeTrue())
		})
	})

	Describe("ReadCommand()", func() {
		read := func(data []byte) (*protocol.Command, error) {
			return protocol.ReadCommand(bufio.NewReader(bytes.NewReader(data)), 1024)
		}

		It("reads what a Command writes", func() {
			mpub, err := protocol.MultiPublish("t1", [][]byte{[]byte("a")})
			Expect(err).To(Succeed())

			for _, cmd := range []*protocol.Command{
				protocol.Nop(),
				protocol.Subscribe("t1", "c1"),
				protocol.Finish(id),
				protocol.Publish("t1", []byte("hello")),
				protocol.Identify([]byte(`{"client_id":"x"}`)),
				mpub,
			} {
				parsed, err := read(cmd.Bytes())
				Expect(err).To(Succeed())
				Expect(parsed.Name).To(Equal(cmd.Name))
				Expect(parsed.Params).To(Equal(cmd.Params))
				Expect(parsed.Body).To(Equal(cmd.Body))
			}
		})

		It("returns an error if the command is unknown", func() {
			_, err := read([]byte("EVIL\n"))
			Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())
		})

		It("returns an error if the reader cannot find a newline", func() {
			_, err := read([]byte("NOP"))
			Expect(err).To(MatchError(io.EOF))
		})

		It("returns an error if the body is too large", func() {
			_, err := read(append([]byte("PUB t1\n\x00\x00\x10\x00"), make([]byte, 4096)...))
			Expect(errors.Is(err, protocol.ErrBodyTooLarge)).To(BeTrue())
		})
	})

	Describe("ErrorCode", func() {
		It("does not terminate the connection for FIN, REQ and TOUCH failures", func() {
			Expect(protocol.ErrCodeFinFailed.TerminatesConnection()).To(BeFalse())
			Expect(protocol.ErrCodeReqFailed.TerminatesConnection()).To(BeFalse())
			Expect(protocol.ErrCodeTouchFailed.TerminatesConnection()).To(BeFalse())
		})

		It("terminates the connection for everything else", func() {
			for _, code := range []protocol.ErrorCode{
				protocol.ErrCodeInvalid, protocol.ErrCodeBadBody, protocol.ErrCodeBadTopic,
				protocol.ErrCodeBadChannel, protocol.ErrCodeBadMessage, protocol.ErrCodePubFailed,
				protocol.ErrCodeMPubFailed, protocol.ErrCodeDPubFailed, protocol.ErrCodeAuthFailed,
				protocol.ErrCodeUnauthorized, protocol.ErrorCode("bla_bla"),
			} {
				Expect(code.TerminatesConnection()).To(BeTrue(), string(code))
			}
		})

		It("is read from the first token of an Error frame", func() {
			frame := &protocol.Error{Raw: []byte("E_REQ_FAILED REQ failed")}
			Expect(frame.Code()).To(Equal(protocol.ErrCodeReqFailed))
			Expect(frame.TerminatesConnection()).To(BeFalse())
			Expect(frame.Error()).To(Equal("E_REQ_FAILED REQ failed"))

			bare := &protocol.Error{Raw: []byte("E_BAD_BODY")}
			Expect(bare.Code()).To(Equal(protocol.ErrCodeBadBody))
		})
	})
})
