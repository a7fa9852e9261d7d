package harness

import (
	"fmt"
	"text/template"

	"github.com/michaelbrown/runbox/internal/model"
)

type javaCase struct {
	Name     string
	Inputs   []string
	Expected string
}

var javaTmpl = template.Must(template.New("java harness").Parse(`// Code generated by runbox. DO NOT EDIT.

import java.lang.reflect.Array;
import java.lang.reflect.Constructor;
import java.lang.reflect.InvocationTargetException;
import java.lang.reflect.Method;
import java.lang.reflect.Modifier;
import java.lang.reflect.ParameterizedType;
import java.lang.reflect.Type;
import java.math.BigDecimal;
import java.math.BigInteger;
import java.util.ArrayList;
import java.util.Collection;
import java.util.LinkedHashMap;
import java.util.LinkedHashSet;
import java.util.List;
import java.util.Map;
import java.util.Set;

public class SandboxHarness {
    private static final String ENTRYPOINT = {{ .Entrypoint }};
    private static final String METHOD = {{ .Method }};
    private static final int MAX_DEPTH = 64;
{{ range $i, $c := .Cases }}
    private static Object[] case{{ $i }}() {
        return new Object[] {
            {{ $c.Name }},
            new Object[] { {{- range $j, $in := $c.Inputs }}{{ if $j }}, {{ end }}{{ $in }}{{ end -}} },
            {{ $c.Expected }}
        };
    }
{{ end }}
    private static Object[][] cases() {
        return new Object[][] {
{{- range $i, $c := .Cases }}
            case{{ $i }}(),
{{- end }}
        };
    }

    static Map<String, Object> harnessMap(Object[] pairs) {
        Map<String, Object> m = new LinkedHashMap<>();
        for (int i = 0; i + 1 < pairs.length; i += 2) {
            m.put((String) pairs[i], pairs[i + 1]);
        }
        return m;
    }

    public static void main(String[] args) {
        Class<?> cls = null;
        String loadError = null;
        try {
            cls = Class.forName(ENTRYPOINT);
        } catch (Throwable t) {
            loadError = describe(t);
        }

        boolean all = true;
        List<String> entries = new ArrayList<>();
        for (Object[] c : cases()) {
            String name = (String) c[0];
            Object[] inputs = (Object[]) c[1];
            Object expected = c[2];
            Object actual = null;
            String error = loadError;
            boolean passed = false;
            if (error == null) {
                try {
                    actual = invoke(cls, inputs);
                    passed = deepEquals(expected, actual);
                } catch (InvocationTargetException e) {
                    error = describe(e.getCause() != null ? e.getCause() : e);
                } catch (Throwable t) {
                    error = describe(t);
                }
            }
            all &= passed;
            StringBuilder sb = new StringBuilder();
            sb.append("{\"name\":").append(quote(name));
            sb.append(",\"passed\":").append(passed);
            sb.append(",\"expected\":").append(toJson(expected, 0));
            sb.append(",\"actual\":").append(safeJson(actual));
            if (error != null) {
                sb.append(",\"stderr\":").append(quote(error));
            }
            sb.append("}");
            entries.add(sb.toString());
        }

        System.out.println();
        System.out.println("{\"passed\":" + all + ",\"tests\":[" + String.join(",", entries) + "]}");
        System.out.flush();
        System.exit(0);
    }

    private static String describe(Throwable t) {
        String msg = t.getMessage();
        return msg == null ? t.getClass().getSimpleName() : t.getClass().getSimpleName() + ": " + msg;
    }

    private static Object invoke(Class<?> cls, Object[] inputs) throws Throwable {
        IllegalArgumentException lastMismatch = null;
        for (Method m : cls.getDeclaredMethods()) {
            if (!m.getName().equals(METHOD) || m.getParameterCount() != inputs.length) {
                continue;
            }
            Object[] coerced = new Object[inputs.length];
            try {
                Class<?>[] types = m.getParameterTypes();
                Type[] generics = m.getGenericParameterTypes();
                for (int i = 0; i < inputs.length; i++) {
                    coerced[i] = coerce(inputs[i], types[i], generics[i]);
                }
            } catch (IllegalArgumentException e) {
                lastMismatch = e;
                continue;
            }
            m.setAccessible(true);
            Object target = null;
            if (!Modifier.isStatic(m.getModifiers())) {
                Constructor<?> ctor = cls.getDeclaredConstructor();
                ctor.setAccessible(true);
                target = ctor.newInstance();
            }
            return m.invoke(target, coerced);
        }
        if (lastMismatch != null) {
            throw lastMismatch;
        }
        throw new NoSuchMethodException(ENTRYPOINT + "." + METHOD + " taking " + inputs.length + " argument(s)");
    }

    private static Object coerce(Object value, Class<?> type, Type generic) {
        if (value == null) {
            if (type.isPrimitive()) {
                throw new IllegalArgumentException("null passed for " + type.getName());
            }
            return null;
        }
        if (type == Object.class) {
            return value;
        }
        if (type == int.class || type == Integer.class) {
            return number(value, type).intValue();
        }
        if (type == long.class || type == Long.class) {
            return number(value, type).longValue();
        }
        if (type == double.class || type == Double.class) {
            return number(value, type).doubleValue();
        }
        if (type == float.class || type == Float.class) {
            return number(value, type).floatValue();
        }
        if (type == short.class || type == Short.class) {
            return number(value, type).shortValue();
        }
        if (type == byte.class || type == Byte.class) {
            return number(value, type).byteValue();
        }
        if (type == BigInteger.class) {
            return new BigInteger(number(value, type).toString());
        }
        if (type == BigDecimal.class) {
            return new BigDecimal(number(value, type).toString());
        }
        if (type == boolean.class || type == Boolean.class) {
            if (value instanceof Boolean) {
                return value;
            }
            throw mismatch(value, type);
        }
        if (type == char.class || type == Character.class) {
            if (value instanceof String && ((String) value).length() == 1) {
                return ((String) value).charAt(0);
            }
            throw mismatch(value, type);
        }
        if (type == String.class) {
            if (value instanceof String) {
                return value;
            }
            throw mismatch(value, type);
        }
        if (type.isArray()) {
            if (!(value instanceof List)) {
                throw mismatch(value, type);
            }
            List<?> list = (List<?>) value;
            Class<?> component = type.getComponentType();
            Object array = Array.newInstance(component, list.size());
            for (int i = 0; i < list.size(); i++) {
                Array.set(array, i, coerce(list.get(i), component, component));
            }
            return array;
        }
        if (Collection.class.isAssignableFrom(type) || type == Iterable.class) {
            if (!(value instanceof List)) {
                throw mismatch(value, type);
            }
            Type elem = typeArgument(generic, 0);
            Collection<Object> out = Set.class.isAssignableFrom(type) ? new LinkedHashSet<Object>() : new ArrayList<Object>();
            for (Object el : (List<?>) value) {
                out.add(coerce(el, rawClass(elem), elem));
            }
            return out;
        }
        if (Map.class.isAssignableFrom(type)) {
            if (!(value instanceof Map)) {
                throw mismatch(value, type);
            }
            Type keyType = typeArgument(generic, 0);
            Type valType = typeArgument(generic, 1);
            Map<Object, Object> out = new LinkedHashMap<>();
            for (Map.Entry<?, ?> e : ((Map<?, ?>) value).entrySet()) {
                out.put(coerceKey((String) e.getKey(), rawClass(keyType)), coerce(e.getValue(), rawClass(valType), valType));
            }
            return out;
        }
        if (type.isInstance(value)) {
            return value;
        }
        throw mismatch(value, type);
    }

    private static Object coerceKey(String key, Class<?> type) {
        if (type == Integer.class) {
            return Integer.valueOf(key);
        }
        if (type == Long.class) {
            return Long.valueOf(key);
        }
        if (type == Character.class && key.length() == 1) {
            return key.charAt(0);
        }
        return key;
    }

    private static Number number(Object value, Class<?> type) {
        if (value instanceof Number) {
            return (Number) value;
        }
        throw mismatch(value, type);
    }

    private static IllegalArgumentException mismatch(Object value, Class<?> type) {
        return new IllegalArgumentException("cannot convert " + value.getClass().getSimpleName() + " to " + type.getSimpleName());
    }

    private static Type typeArgument(Type generic, int index) {
        if (generic instanceof ParameterizedType) {
            Type[] args = ((ParameterizedType) generic).getActualTypeArguments();
            if (index < args.length) {
                return args[index];
            }
        }
        return Object.class;
    }

    private static Class<?> rawClass(Type t) {
        if (t instanceof Class) {
            return (Class<?>) t;
        }
        if (t instanceof ParameterizedType) {
            return rawClass(((ParameterizedType) t).getRawType());
        }
        return Object.class;
    }

    private static List<Object> asList(Object value) {
        List<Object> out = new ArrayList<>();
        if (value.getClass().isArray()) {
            int n = Array.getLength(value);
            for (int i = 0; i < n; i++) {
                out.add(Array.get(value, i));
            }
        } else {
            for (Object o : (Iterable<?>) value) {
                out.add(o);
            }
        }
        return out;
    }

    private static boolean isSequence(Object value) {
        return value.getClass().isArray() || value instanceof Iterable;
    }

    static boolean deepEquals(Object expected, Object actual) {
        if (expected == null || actual == null) {
            return expected == actual;
        }
        if (expected instanceof Number && actual instanceof Number) {
            return numbersEqual((Number) expected, (Number) actual);
        }
        if (expected instanceof String && actual instanceof Character) {
            return ((String) expected).length() == 1 && ((String) expected).charAt(0) == (Character) actual;
        }
        if (isSequence(expected) && isSequence(actual)) {
            List<Object> a = asList(expected);
            List<Object> b = asList(actual);
            if (a.size() != b.size()) {
                return false;
            }
            if (actual instanceof Set) {
                List<Object> remaining = new ArrayList<>(b);
                for (Object want : a) {
                    boolean found = false;
                    for (int i = 0; i < remaining.size(); i++) {
                        if (deepEquals(want, remaining.get(i))) {
                            remaining.remove(i);
                            found = true;
                            break;
                        }
                    }
                    if (!found) {
                        return false;
                    }
                }
                return true;
            }
            for (int i = 0; i < a.size(); i++) {
                if (!deepEquals(a.get(i), b.get(i))) {
                    return false;
                }
            }
            return true;
        }
        if (expected instanceof Map && actual instanceof Map) {
            Map<?, ?> a = (Map<?, ?>) expected;
            Map<?, ?> b = (Map<?, ?>) actual;
            if (a.size() != b.size()) {
                return false;
            }
            Map<String, Object> byKey = new LinkedHashMap<>();
            for (Map.Entry<?, ?> e : b.entrySet()) {
                byKey.put(String.valueOf(e.getKey()), e.getValue());
            }
            for (Map.Entry<?, ?> e : a.entrySet()) {
                String key = String.valueOf(e.getKey());
                if (!byKey.containsKey(key) || !deepEquals(e.getValue(), byKey.get(key))) {
                    return false;
                }
            }
            return true;
        }
        return expected.equals(actual);
    }

    private static boolean isFloating(Number n) {
        return n instanceof Double || n instanceof Float || n instanceof BigDecimal;
    }

    private static boolean numbersEqual(Number a, Number b) {
        if (isFloating(a) || isFloating(b)) {
            return a.doubleValue() == b.doubleValue();
        }
        try {
            return new BigInteger(a.toString()).equals(new BigInteger(b.toString()));
        } catch (NumberFormatException e) {
            return a.longValue() == b.longValue();
        }
    }

    private static String safeJson(Object value) {
        try {
            return toJson(value, 0);
        } catch (Throwable t) {
            return quote("<unprintable " + describe(t) + ">");
        }
    }

    static String toJson(Object value, int depth) {
        if (value == null) {
            return "null";
        }
        if (depth > MAX_DEPTH) {
            return quote("...");
        }
        if (value instanceof Boolean) {
            return value.toString();
        }
        if (value instanceof Number) {
            if (value instanceof Double && (((Double) value).isNaN() || ((Double) value).isInfinite())) {
                return quote(value.toString());
            }
            if (value instanceof Float && (((Float) value).isNaN() || ((Float) value).isInfinite())) {
                return quote(value.toString());
            }
            return value.toString();
        }
        if (value instanceof String || value instanceof Character) {
            return quote(value.toString());
        }
        if (isSequence(value)) {
            StringBuilder sb = new StringBuilder("[");
            boolean first = true;
            for (Object o : asList(value)) {
                if (!first) {
                    sb.append(',');
                }
                first = false;
                sb.append(toJson(o, depth + 1));
            }
            return sb.append(']').toString();
        }
        if (value instanceof Map) {
            StringBuilder sb = new StringBuilder("{");
            boolean first = true;
            for (Map.Entry<?, ?> e : ((Map<?, ?>) value).entrySet()) {
                if (!first) {
                    sb.append(',');
                }
                first = false;
                sb.append(quote(String.valueOf(e.getKey()))).append(':').append(toJson(e.getValue(), depth + 1));
            }
            return sb.append('}').toString();
        }
        return quote(String.valueOf(value));
    }

    static String quote(String s) {
        StringBuilder sb = new StringBuilder(s.length() + 2);
        sb.append('"');
        for (int i = 0; i < s.length(); i++) {
            char ch = s.charAt(i);
            switch (ch) {
                case '"':
                    sb.append("\\\"");
                    break;
                case '\\':
                    sb.append("\\\\");
                    break;
                case '\n':
                    sb.append("\\n");
                    break;
                case '\r':
                    sb.append("\\r");
                    break;
                case '\t':
                    sb.append("\\t");
                    break;
                default:
                    if (ch < 0x20 || ch > 0x7e) {
                        sb.append(String.format("\\u%04x", (int) ch));
                    } else {
                        sb.append(ch);
                    }
            }
        }
        return sb.append('"').toString();
    }
}
`))

// Java renders the SandboxHarness class for a Java solution. className is the
// (optionally package qualified) class that declares the method under test.
func Java(suite model.TestSuite, className string) (model.File, error) {
	if className == "" {
		className = DefaultJavaClass
	}
	method := suite.Callable()
	if method == "" {
		return model.File{}, fmt.Errorf("java harness: no method name")
	}

	cs, err := cases(suite)
	if err != nil {
		return model.File{}, err
	}
	jcs := make([]javaCase, 0, len(cs))
	for _, c := range cs {
		jc := javaCase{Name: javaString(c.Name)}
		for j, in := range c.Input {
			lit, err := javaLiteral(in)
			if err != nil {
				return model.File{}, fmt.Errorf("test %q input %d: %w", c.Name, j+1, err)
			}
			jc.Inputs = append(jc.Inputs, lit)
		}
		if jc.Expected, err = javaLiteral(c.Output); err != nil {
			return model.File{}, fmt.Errorf("test %q output: %w", c.Name, err)
		}
		jcs = append(jcs, jc)
	}

	src, err := render(javaTmpl, struct {
		Entrypoint string
		Method     string
		Cases      []javaCase
	}{javaString(className), javaString(method), jcs})
	if err != nil {
		return model.File{}, err
	}
	return model.File{Path: JavaFile, Content: src}, nil
}
