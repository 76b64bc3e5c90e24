package gps

import (
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Talker is the NMEA talker id used for emitted sentences.
const Talker = "GP"

// EncodeGGA renders a fix as a $GPGGA sentence terminated by CRLF.
// Altitude is left empty when absent.
func EncodeGGA(t Triplet, at time.Time) string {
	// $GPGGA,hhmmss.ss,llll.ll,a,yyyyy.yy,a,x,xx,x.x,x.x,M,x.x,M,x.x,xxxx*hh
	lat, ns := formatNMEACoord(t.Latitude, 2, "N", "S")
	lon, ew := formatNMEACoord(t.Longitude, 3, "E", "W")
	alt := ""
	if t.HasAltitude {
		alt = fmt.Sprintf("%.1f", t.Altitude)
	}
	body := strings.Join([]string{
		Talker + "GGA",
		formatNMEATime(at),
		lat, ns, lon, ew,
		"1",   // GPS fix
		"00",  // satellites unknown
		"",    // HDOP
		alt, "M",
		"", "M",
		"", "",
	}, ",")
	return frame(body)
}

// EncodeRMC renders a fix as a $GPRMC sentence terminated by CRLF.
func EncodeRMC(t Triplet, at time.Time) string {
	// $GPRMC,hhmmss.ss,A,llll.ll,a,yyyyy.yy,a,x.x,x.x,ddmmyy,x.x,a*hh
	lat, ns := formatNMEACoord(t.Latitude, 2, "N", "S")
	lon, ew := formatNMEACoord(t.Longitude, 3, "E", "W")
	body := strings.Join([]string{
		Talker + "RMC",
		formatNMEATime(at),
		"A",
		lat, ns, lon, ew,
		"0.0", "0.0",
		at.UTC().Format("020106"),
		"", "",
	}, ",")
	return frame(body)
}

func frame(body string) string {
	return "$" + body + "*" + nmea.Checksum(body) + "\r\n"
}

func formatNMEATime(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%02d%02d%02d.%02d", at.Hour(), at.Minute(), at.Second(), at.Nanosecond()/1e7)
}

// formatNMEACoord converts decimal degrees to NMEA ddmm.mmmm (or dddmm.mmmm).
func formatNMEACoord(deg float64, degDigits int, pos, neg string) (string, string) {
	dir := pos
	if deg < 0 {
		dir = neg
		deg = -deg
	}
	whole := math.Floor(deg)
	min := (deg - whole) * 60
	// Rounding can carry 59.99999 up to 60.0000.
	if math.Round(min*10000)/10000 >= 60 {
		whole++
		min = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(whole), min), dir
}
